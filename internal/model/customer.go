package model

import "time"

// CustomerRecord is one raw row of a customer snapshot, before masking.
type CustomerRecord struct {
	CustomerID string `json:"customer_id"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Segment    string `json:"segment"`
	CreatedAt  Date   `json:"created_at"`
}

// Tracked holds the customer attributes whose change opens a new version.
// It must stay comparable with ==.
type Tracked struct {
	Segment string `json:"segment"`
}

// CustomerSnapshotRow is a masked snapshot row ready for versioning.
type CustomerSnapshotRow struct {
	CustomerID    string `json:"customer_id"`
	Tracked       Tracked
	EmailToken    string `json:"email_token"`
	PhoneRedacted string `json:"phone_redacted"`
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
	CreatedAt     Date   `json:"created_at"`
}

// CustomerVersion is one persisted row of the customer dimension.
type CustomerVersion struct {
	CustomerKey   int64     `db:"customer_key" json:"customer_key"`
	CustomerID    string    `db:"customer_id" json:"customer_id"`
	EmailToken    string    `db:"email_token" json:"email_token"`
	PhoneRedacted string    `db:"phone_redacted" json:"phone_redacted"`
	FirstName     string    `db:"first_name" json:"first_name"`
	LastName      string    `db:"last_name" json:"last_name"`
	Segment       string    `db:"segment" json:"segment"`
	CreatedAt     Date      `db:"created_at" json:"created_at"`
	EffectiveFrom Date      `db:"effective_from" json:"effective_from"`
	EffectiveTo   *Date     `db:"effective_to" json:"effective_to"`
	IsCurrent     bool      `db:"is_current" json:"is_current"`
	LoadedAt      time.Time `db:"loaded_at" json:"loaded_at"`
}

// Tracked returns the version's tracked attributes.
func (v CustomerVersion) Tracked() Tracked {
	return Tracked{Segment: v.Segment}
}

// ActiveOn reports whether the version's validity interval contains d.
// The interval is [EffectiveFrom, EffectiveTo), open-ended when EffectiveTo is nil.
func (v CustomerVersion) ActiveOn(d Date) bool {
	if d.Before(v.EffectiveFrom) {
		return false
	}
	return v.EffectiveTo == nil || d.Before(*v.EffectiveTo)
}

// NewVersion builds the current version row for a snapshot row.
func NewVersion(key int64, row CustomerSnapshotRow, asOf Date, loadedAt time.Time) CustomerVersion {
	return CustomerVersion{
		CustomerKey:   key,
		CustomerID:    row.CustomerID,
		EmailToken:    row.EmailToken,
		PhoneRedacted: row.PhoneRedacted,
		FirstName:     row.FirstName,
		LastName:      row.LastName,
		Segment:       row.Tracked.Segment,
		CreatedAt:     row.CreatedAt,
		EffectiveFrom: asOf,
		IsCurrent:     true,
		LoadedAt:      loadedAt,
	}
}

// Expiry closes the current version of a customer.
type Expiry struct {
	CustomerKey int64
	CustomerID  string
	EffectiveTo Date
}
