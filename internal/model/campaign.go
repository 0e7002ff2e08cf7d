package model

import "time"

type Campaign struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// CampaignRef is the minimal identity a display needs to render its
// transition screen after pairing.
type CampaignRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
