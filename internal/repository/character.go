package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/torchlight-app/table-sync-go/internal/database"
	"github.com/torchlight-app/table-sync-go/internal/model"
)

// ApplyFunc computes a field group's next value from its current one.
// cur is nil when the field group has never been written.
type ApplyFunc func(cur json.RawMessage) (json.RawMessage, error)

// CharacterRepository persists characters and their per-field-group state.
// MutateState is atomic: the read, the apply, and the seq+1 commit happen
// under one lock so broadcast sequences match commit order per key.
type CharacterRepository interface {
	Find(ctx context.Context, id string) (*model.Character, error)
	Create(ctx context.Context, campaignID, name string, maxHP int64) (*model.Character, error)
	GetState(ctx context.Context, characterID string, fg model.FieldGroup) (*model.CharacterState, error)
	MutateState(ctx context.Context, characterID string, fg model.FieldGroup, apply ApplyFunc, now time.Time) (*model.CharacterState, error)
}

type characterRepo struct {
	db *database.DB
}

func NewCharacterRepository(db *database.DB) CharacterRepository {
	return &characterRepo{db: db}
}

func (r *characterRepo) Find(ctx context.Context, id string) (*model.Character, error) {
	var c model.Character
	err := r.db.GetContext(ctx, &c, `
		SELECT * FROM characters WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *characterRepo) Create(ctx context.Context, campaignID, name string, maxHP int64) (*model.Character, error) {
	var c model.Character
	err := r.db.GetContext(ctx, &c, `
		INSERT INTO characters (id, campaign_id, name, max_hp)
		VALUES ($1, $2, $3, $4)
		RETURNING *
	`, uuid.NewString(), campaignID, name, maxHP)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *characterRepo) GetState(ctx context.Context, characterID string, fg model.FieldGroup) (*model.CharacterState, error) {
	var st model.CharacterState
	err := r.db.GetContext(ctx, &st, `
		SELECT * FROM character_state
		WHERE character_id = $1 AND field_group = $2
	`, characterID, fg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (r *characterRepo) MutateState(ctx context.Context, characterID string, fg model.FieldGroup, apply ApplyFunc, now time.Time) (*model.CharacterState, error) {
	var result *model.CharacterState

	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var cur model.CharacterState
		var curValue json.RawMessage
		var curSeq int64

		err := tx.GetContext(ctx, &cur, `
			SELECT * FROM character_state
			WHERE character_id = $1 AND field_group = $2
			FOR UPDATE
		`, characterID, fg)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// first write for this key
		case err != nil:
			return err
		default:
			curValue = cur.Value
			curSeq = cur.Seq
		}

		next, err := apply(curValue)
		if err != nil {
			return err
		}

		var st model.CharacterState
		err = tx.GetContext(ctx, &st, `
			INSERT INTO character_state (character_id, field_group, value, seq, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (character_id, field_group) DO UPDATE SET
				value = EXCLUDED.value,
				seq = EXCLUDED.seq,
				updated_at = EXCLUDED.updated_at
			RETURNING *
		`, characterID, fg, next, curSeq+1, now)
		if err != nil {
			return err
		}

		result = &st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
