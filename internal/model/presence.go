package model

import "time"

// PresenceMember is one human client connected to a campaign's live channel.
type PresenceMember struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	Name        string    `json:"name"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}
