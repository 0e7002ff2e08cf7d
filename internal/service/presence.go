package service

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	apperrors "github.com/torchlight-app/table-sync-go/internal/errors"
	"github.com/torchlight-app/table-sync-go/internal/model"
	"github.com/torchlight-app/table-sync-go/internal/repository"
	"github.com/torchlight-app/table-sync-go/internal/sse"
)

// PresenceList partitions a campaign's members by role for display.
type PresenceList struct {
	DMs     []model.PresenceMember `json:"dms"`
	Players []model.PresenceMember `json:"players"`
}

// PresenceService tracks which human clients are on a campaign's live
// channel. Joins are idempotent per identity; staleness is filtered on
// read and reaped in the background, so a 1-2s skew between viewers is
// expected and fine.
type PresenceService struct {
	store     repository.PresenceStore
	publisher sse.Publisher
	clock     clockwork.Clock
	ttl       time.Duration
}

func NewPresenceService(
	store repository.PresenceStore,
	publisher sse.Publisher,
	clock clockwork.Clock,
	ttl time.Duration,
) *PresenceService {
	return &PresenceService{
		store:     store,
		publisher: publisher,
		clock:     clock,
		ttl:       ttl,
	}
}

// Join adds the member, or refreshes last_seen_at if the identity is
// already present.
func (s *PresenceService) Join(ctx context.Context, campaignID, memberID, name string, role model.Role) (*model.PresenceMember, error) {
	if !role.Valid() {
		return nil, apperrors.ValidationError("role must be dm or player")
	}

	now := s.clock.Now()
	member := model.PresenceMember{
		ID:          memberID,
		Role:        role,
		Name:        name,
		ConnectedAt: now,
		LastSeenAt:  now,
	}

	existing, err := s.find(ctx, campaignID, memberID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if existing != nil {
		member.ConnectedAt = existing.ConnectedAt
	}

	if err := s.store.Put(ctx, campaignID, member); err != nil {
		return nil, apperrors.Database(err)
	}

	if existing == nil {
		log.Info().
			Str("campaignId", campaignID).
			Str("memberId", memberID).
			Str("role", string(role)).
			Msg("presence member joined")
		s.publishChange(ctx, campaignID)
	}

	return &member, nil
}

func (s *PresenceService) Leave(ctx context.Context, campaignID, memberID string) error {
	removed, err := s.store.Remove(ctx, campaignID, memberID)
	if err != nil {
		return apperrors.Database(err)
	}
	if removed {
		log.Info().
			Str("campaignId", campaignID).
			Str("memberId", memberID).
			Msg("presence member left")
		s.publishChange(ctx, campaignID)
	}
	return nil
}

func (s *PresenceService) Heartbeat(ctx context.Context, campaignID, memberID string) error {
	ok, err := s.store.Touch(ctx, campaignID, memberID, s.clock.Now())
	if err != nil {
		return apperrors.Database(err)
	}
	if !ok {
		return apperrors.NotFound("Presence member")
	}
	return nil
}

// List returns current members partitioned by role. Members past the
// staleness TTL are filtered even before the reaper removes them.
func (s *PresenceService) List(ctx context.Context, campaignID string) (*PresenceList, error) {
	members, err := s.store.List(ctx, campaignID)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	cutoff := s.clock.Now().Add(-s.ttl)
	result := &PresenceList{
		DMs:     []model.PresenceMember{},
		Players: []model.PresenceMember{},
	}
	for _, m := range members {
		if m.LastSeenAt.Before(cutoff) {
			continue
		}
		if m.Role == model.RoleDM {
			result.DMs = append(result.DMs, m)
		} else {
			result.Players = append(result.Players, m)
		}
	}
	return result, nil
}

func (s *PresenceService) find(ctx context.Context, campaignID, memberID string) (*model.PresenceMember, error) {
	members, err := s.store.List(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	for i := range members {
		if members[i].ID == memberID {
			return &members[i], nil
		}
	}
	return nil, nil
}

func (s *PresenceService) publishChange(ctx context.Context, campaignID string) {
	event := sse.Event{Type: sse.TypePresenceChanged}
	if err := s.publisher.Publish(ctx, campaignID, event); err != nil {
		log.Warn().Err(err).Str("campaignId", campaignID).Msg("failed to publish presence change")
	}
}
