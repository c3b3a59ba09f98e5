package store

import "time"

type Credential struct {
	SessionID string
	Key       string
	Value     string
	UpdatedAt time.Time
}
