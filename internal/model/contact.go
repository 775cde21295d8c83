package model

// Contact is the marketing contact record the delivery guard reads.
type Contact struct {
	ID             int64  `json:"id"`
	Email          string `json:"email"`
	Status         string `json:"status"`
	ConsentStatus  string `json:"consent_status"`
	BounceCount    int    `json:"bounce_count"`
	ComplaintCount int    `json:"complaint_count"`
}

const (
	ContactActive = "active"

	ConsentOptedOut = "opted_out"
	ConsentBlocked  = "blocked"
)
