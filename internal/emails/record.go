// Package emails holds the email records returned by the classification backend
// and the pure functions the dashboard derives from them.
package emails

// Category is a label assigned to an email by the classification backend.
type Category string

const (
	CategoryAll         Category = "All"
	CategoryImportant   Category = "Important"
	CategoryPromotional Category = "Promotional"
	CategorySocial      Category = "Social"
	CategoryMarketing   Category = "Marketing"
	CategorySpam        Category = "Spam"
	CategoryGeneral     Category = "General"
	CategoryUnknown     Category = "Unknown"
)

// Categories is the closed set of filter labels in display order.
var Categories = []Category{
	CategoryAll,
	CategoryImportant,
	CategoryPromotional,
	CategorySocial,
	CategoryMarketing,
	CategorySpam,
	CategoryGeneral,
	CategoryUnknown,
}

func (c Category) IsValid() bool {
	switch c {
	case CategoryAll, CategoryImportant, CategoryPromotional, CategorySocial,
		CategoryMarketing, CategorySpam, CategoryGeneral, CategoryUnknown:
		return true
	}
	return false
}

func (c Category) String() string {
	return string(c)
}

// ParseCategory returns the matching label, or All when raw is not part of the set.
func ParseCategory(raw string) Category {
	c := Category(raw)
	if !c.IsValid() {
		return CategoryAll
	}
	return c
}

// Record is one email as the backend returns it. Category stays empty until
// the classify stage has run.
type Record struct {
	ID       string   `json:"id"`
	From     string   `json:"from"`
	Subject  string   `json:"subject"`
	Snippet  string   `json:"snippet"`
	Date     string   `json:"date"`
	Category Category `json:"category,omitempty"`
}

// Filter returns records unchanged for All, otherwise the records whose
// category equals c exactly, in their original order.
func Filter(records []Record, c Category) []Record {
	if c == CategoryAll {
		return records
	}
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.Category == c {
			out = append(out, r)
		}
	}
	return out
}

// Counts returns the number of records per label. All is the total.
func Counts(records []Record) map[Category]int {
	counts := make(map[Category]int, len(Categories))
	for _, c := range Categories {
		counts[c] = len(Filter(records, c))
	}
	return counts
}
