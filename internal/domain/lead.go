package domain

import "time"

// Lead is the external business record an item processes. The engine only
// reads the attributes that drive cost and report generation.
type Lead struct {
	ID              string
	BusinessName    string
	WebsiteURL      *string
	Score           *float64
	NeedsEnrichment bool
	CreatedAt       time.Time
}

// HasWebsite reports whether the lead carries a resolvable domain.
func (l *Lead) HasWebsite() bool {
	return l.WebsiteURL != nil && *l.WebsiteURL != ""
}
