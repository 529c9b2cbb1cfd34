package models

import "time"

// Device is one push endpoint registered by a user. Devices are never
// deleted; a non-nil DisabledAt takes them out of fan-out.
type Device struct {
	ID             int64      `json:"id"`
	UserID         int64      `json:"user_id"`
	Endpoint       string     `json:"endpoint"`
	P256dh         string     `json:"p256dh"`
	Auth           string     `json:"auth"`
	ExpirationTime *time.Time `json:"expiration_time,omitempty"`
	UserAgent      string     `json:"user_agent,omitempty"`
	Platform       string     `json:"platform,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastSeenAt     time.Time  `json:"last_seen_at"`
	DisabledAt     *time.Time `json:"disabled_at,omitempty"`
}

func (d *Device) Active() bool {
	return d.DisabledAt == nil
}
