package model

import "time"

// OAuthToken is a user's calendar credential.
type OAuthToken struct {
	UserID       string    `json:"user_id"`
	Provider     string    `json:"provider"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ExpiresWithin reports whether the access credential expires before now+margin.
// A zero expiry never expires.
func (t *OAuthToken) ExpiresWithin(now time.Time, margin time.Duration) bool {
	if t.Expiry.IsZero() {
		return false
	}
	return !now.Add(margin).Before(t.Expiry)
}

// TimeRange is a half-open interval [Start, End).
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration returns End - Start.
func (r TimeRange) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Overlaps reports whether r and o share any instant.
func (r TimeRange) Overlaps(o TimeRange) bool {
	return r.Start.Before(o.End) && o.Start.Before(r.End)
}

// Contains reports whether o lies fully inside r.
func (r TimeRange) Contains(o TimeRange) bool {
	return !o.Start.Before(r.Start) && !o.End.After(r.End)
}

// Empty reports whether the range has no length.
func (r TimeRange) Empty() bool {
	return !r.Start.Before(r.End)
}
