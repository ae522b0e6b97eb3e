// Package identity defines the contact entity and the consolidated view the
// resolution engine produces.
package identity

import "time"

// LinkPrecedence marks a contact as a cluster root or a linked member.
type LinkPrecedence string

const (
	// LinkPrimary is the canonical, oldest contact of a cluster. A primary
	// carries no LinkedID.
	LinkPrimary LinkPrecedence = "primary"

	// LinkSecondary is a contact merged into a cluster. A secondary's
	// LinkedID points directly at its cluster's primary, never at another
	// secondary.
	LinkSecondary LinkPrecedence = "secondary"
)

// Contact is one observation of a customer's email and/or phone. A cluster is
// one primary plus the secondaries linked to it; together they represent a
// single real-world customer.
type Contact struct {
	ID             int64
	Email          string // empty means unknown
	Phone          string // empty means unknown; stored in normalized form
	LinkPrecedence LinkPrecedence
	LinkedID       *int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

// IsPrimary reports whether the contact is a cluster root.
func (c *Contact) IsPrimary() bool {
	return c.LinkPrecedence == LinkPrimary
}

// OlderThan reports creation-order seniority. Timestamps can collide at clock
// granularity, so ties fall back to the store-assigned id.
func (c *Contact) OlderThan(other *Contact) bool {
	if !c.CreatedAt.Equal(other.CreatedAt) {
		return c.CreatedAt.Before(other.CreatedAt)
	}
	return c.ID < other.ID
}

// Observation is the inbound (email?, phone?) pair supplied to a resolution
// call. At least one field is set; the phone is already normalized.
type Observation struct {
	Email string
	Phone string
}

// IsEmpty reports whether the observation carries no information at all.
func (o Observation) IsEmpty() bool {
	return o.Email == "" && o.Phone == ""
}

// ConsolidatedContact is the cluster view returned to callers. Emails and
// phones list the primary's own value first, then secondaries in ascending
// creation order, deduplicated.
type ConsolidatedContact struct {
	PrimaryContactID    int64    `json:"primaryContactId"`
	Emails              []string `json:"emails"`
	PhoneNumbers        []string `json:"phoneNumbers"`
	SecondaryContactIDs []int64  `json:"secondaryContactIds"`
}
