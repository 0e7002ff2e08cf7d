package model

import "time"

// PairingSession tracks one display device from registration to campaign
// binding. The device token is returned to the display once and stored
// hashed; the code is what a human types into the dashboard.
type PairingSession struct {
	ID              string        `db:"id" json:"id"`
	TokenHash       string        `db:"token_hash" json:"-"`
	Code            string        `db:"code" json:"code"`
	Status          SessionStatus `db:"status" json:"status"`
	CampaignID      *string       `db:"campaign_id" json:"campaignId,omitempty"`
	CodeExpiresAt   time.Time     `db:"code_expires_at" json:"codeExpiresAt"`
	LastHeartbeatAt time.Time     `db:"last_heartbeat_at" json:"lastHeartbeatAt"`
	PairedAt        *time.Time    `db:"paired_at" json:"pairedAt,omitempty"`
	CreatedAt       time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updatedAt"`
}

type CreatePairingSessionParams struct {
	TokenHash     string
	Code          string
	CodeExpiresAt time.Time
}
