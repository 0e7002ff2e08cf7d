package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/torchlight-app/table-sync-go/internal/model"
)

type CampaignRepository interface {
	Find(ctx context.Context, id string) (*model.Campaign, error)
	Create(ctx context.Context, name string) (*model.Campaign, error)
}

type campaignRepo struct {
	db *sqlx.DB
}

func NewCampaignRepository(db *sqlx.DB) CampaignRepository {
	return &campaignRepo{db: db}
}

func (r *campaignRepo) Find(ctx context.Context, id string) (*model.Campaign, error) {
	var c model.Campaign
	err := r.db.GetContext(ctx, &c, `
		SELECT * FROM campaigns WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *campaignRepo) Create(ctx context.Context, name string) (*model.Campaign, error) {
	var c model.Campaign
	err := r.db.GetContext(ctx, &c, `
		INSERT INTO campaigns (id, name)
		VALUES ($1, $2)
		RETURNING *
	`, uuid.NewString(), name)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
