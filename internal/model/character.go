package model

import (
	"encoding/json"
	"time"
)

type Character struct {
	ID         string    `db:"id" json:"id"`
	CampaignID string    `db:"campaign_id" json:"campaignId"`
	Name       string    `db:"name" json:"name"`
	MaxHP      int64     `db:"max_hp" json:"maxHp"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

// CharacterState is one field group's current value plus the sequence
// number minted when it was last committed. Sequences increase by one
// per commit and are scoped to (character, field group).
type CharacterState struct {
	CharacterID string          `db:"character_id" json:"characterId"`
	FieldGroup  FieldGroup      `db:"field_group" json:"fieldGroup"`
	Value       json.RawMessage `db:"value" json:"value"`
	Seq         int64           `db:"seq" json:"seq"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updatedAt"`
}
