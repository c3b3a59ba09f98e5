package emails

import (
	"strings"

	"github.com/emersion/go-message/mail"
)

// Sender is the structured form of a From header.
type Sender struct {
	Name    string
	Address string
}

// ParseSender splits a From header into display name and address.
//
// Grammar: DisplayName? "<" Address ">" | LocalPart "@" Domain.
// RFC 5322 parsing (with RFC 2047 encoded names) is tried first. Without angle
// brackets the whole value is the address and the name is the part before '@'.
func ParseSender(from string) Sender {
	from = strings.TrimSpace(from)
	if from == "" {
		return Sender{}
	}

	if addr, err := mail.ParseAddress(from); err == nil && addr != nil {
		s := Sender{Name: strings.TrimSpace(addr.Name), Address: addr.Address}
		if s.Name == "" {
			s.Name = localPart(s.Address)
		}
		return s
	}

	open := strings.IndexByte(from, '<')
	if open >= 0 {
		if end := strings.IndexByte(from[open+1:], '>'); end > 0 {
			address := strings.TrimSpace(from[open+1 : open+1+end])
			name := strings.TrimSpace(strings.ReplaceAll(from[:open], `"`, ""))
			if name == "" {
				name = localPart(address)
			}
			return Sender{Name: name, Address: address}
		}
	}

	return Sender{Name: localPart(from), Address: from}
}

func localPart(address string) string {
	if at := strings.IndexByte(address, '@'); at >= 0 {
		return address[:at]
	}
	return address
}
