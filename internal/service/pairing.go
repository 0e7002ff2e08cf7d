package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/torchlight-app/table-sync-go/internal/config"
	apperrors "github.com/torchlight-app/table-sync-go/internal/errors"
	"github.com/torchlight-app/table-sync-go/internal/model"
	"github.com/torchlight-app/table-sync-go/internal/repository"
	"github.com/torchlight-app/table-sync-go/internal/sse"
	"github.com/torchlight-app/table-sync-go/internal/util"
)

type RegistrationResult struct {
	Token          string `json:"token"`
	Code           string `json:"code"`
	CodeTTLSeconds int    `json:"codeTtlSeconds"`
}

type CodeResult struct {
	Code           string `json:"code"`
	CodeTTLSeconds int    `json:"codeTtlSeconds"`
}

type StatusResult struct {
	Status   model.SessionStatus `json:"status"`
	Campaign *model.CampaignRef  `json:"campaign,omitempty"`
}

// PairingService is the pairing registry: it issues device tokens and
// short-lived codes, binds claimed displays to campaigns, and records
// heartbeats. Claim and code generation are the only paths needing
// atomicity; both lean on the repository's compare-and-set operations.
type PairingService struct {
	sessions  repository.PairingSessionRepository
	campaigns repository.CampaignRepository
	publisher sse.Publisher
	clock     clockwork.Clock
	codeTTL   time.Duration
}

func NewPairingService(
	sessions repository.PairingSessionRepository,
	campaigns repository.CampaignRepository,
	publisher sse.Publisher,
	clock clockwork.Clock,
	codeTTL time.Duration,
) *PairingService {
	return &PairingService{
		sessions:  sessions,
		campaigns: campaigns,
		publisher: publisher,
		clock:     clock,
		codeTTL:   codeTTL,
	}
}

// Register creates a fresh pairing session. The raw token is returned to
// the display exactly once; only its hash is stored.
func (s *PairingService) Register(ctx context.Context) (*RegistrationResult, error) {
	token, err := util.GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	tokenHash := util.HashToken(token)
	for attempt := 0; attempt < config.CodeGenerationAttempts; attempt++ {
		code := generateCode()
		session, err := s.sessions.Create(ctx, model.CreatePairingSessionParams{
			TokenHash:     tokenHash,
			Code:          code,
			CodeExpiresAt: s.clock.Now().Add(s.codeTTL),
		})
		if errors.Is(err, repository.ErrCodeTaken) {
			log.Debug().Int("attempt", attempt+1).Msg("pairing code collision, retrying")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create pairing session: %w", err)
		}

		log.Info().
			Str("sessionId", session.ID).
			Str("code", util.MaskCode(code)).
			Time("codeExpiresAt", session.CodeExpiresAt).
			Msg("display registered")

		return &RegistrationResult{
			Token:          token,
			Code:           code,
			CodeTTLSeconds: int(s.codeTTL.Seconds()),
		}, nil
	}
	return nil, apperrors.Internal("could not allocate a unique pairing code")
}

// Status returns the session's current state. Once paired it includes the
// campaign's identity so the display can render its transition screen.
func (s *PairingService) Status(ctx context.Context, token string) (*StatusResult, error) {
	session, err := s.sessions.FindByTokenHash(ctx, util.HashToken(token))
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.NotFound("Display session")
	}

	result := &StatusResult{Status: session.Status}

	if session.Status == model.SessionStatusPaired && session.CampaignID != nil {
		campaign, err := s.campaigns.Find(ctx, *session.CampaignID)
		if err != nil {
			return nil, apperrors.Database(err)
		}
		if campaign != nil {
			result.Campaign = &model.CampaignRef{ID: campaign.ID, Name: campaign.Name}
		}
	}

	return result, nil
}

// Heartbeat records liveness for a waiting or paired display.
func (s *PairingService) Heartbeat(ctx context.Context, token string) error {
	ok, err := s.sessions.Touch(ctx, util.HashToken(token), s.clock.Now())
	if err != nil {
		return apperrors.Database(err)
	}
	if !ok {
		return apperrors.NotFound("Display session")
	}
	return nil
}

// RefreshCode issues a new code for a still-waiting session. The old code
// stops being claimable the moment the swap commits.
func (s *PairingService) RefreshCode(ctx context.Context, token string) (*CodeResult, error) {
	session, err := s.sessions.FindByTokenHash(ctx, util.HashToken(token))
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.NotFound("Display session")
	}
	if session.Status != model.SessionStatusWaiting {
		return nil, apperrors.InvalidState(fmt.Sprintf("cannot refresh code while %s", session.Status))
	}

	for attempt := 0; attempt < config.CodeGenerationAttempts; attempt++ {
		code := generateCode()
		now := s.clock.Now()
		ok, err := s.sessions.RefreshCode(ctx, session.ID, code, now.Add(s.codeTTL), now)
		if errors.Is(err, repository.ErrCodeTaken) {
			log.Debug().Int("attempt", attempt+1).Msg("pairing code collision, retrying")
			continue
		}
		if err != nil {
			return nil, apperrors.Database(err)
		}
		if !ok {
			// lost a race with a claim or the reaper
			return nil, apperrors.InvalidState("session is no longer waiting")
		}

		log.Info().
			Str("sessionId", session.ID).
			Str("code", util.MaskCode(code)).
			Msg("pairing code refreshed")

		return &CodeResult{Code: code, CodeTTLSeconds: int(s.codeTTL.Seconds())}, nil
	}
	return nil, apperrors.Internal("could not allocate a unique pairing code")
}

// Claim binds the waiting session holding code to campaignID. Exactly one
// of N racing claims succeeds; losers see AlreadyClaimed when someone beat
// them to a valid code, CodeInvalidOrExpired otherwise. Authorization of
// the DM for the campaign happens upstream.
func (s *PairingService) Claim(ctx context.Context, code, campaignID, dmName string) error {
	normalized := strings.TrimSpace(code)
	if len(normalized) != config.CodeLength {
		return apperrors.CodeInvalidOrExpired()
	}

	campaign, err := s.campaigns.Find(ctx, campaignID)
	if err != nil {
		return apperrors.Database(err)
	}
	if campaign == nil {
		return apperrors.NotFound("Campaign")
	}

	session, err := s.sessions.ClaimByCode(ctx, normalized, campaignID, s.clock.Now())
	if err != nil {
		return apperrors.Database(err)
	}
	if session == nil {
		holder, err := s.sessions.FindByCode(ctx, normalized)
		if err != nil {
			return apperrors.Database(err)
		}
		if holder != nil && holder.Status == model.SessionStatusPaired {
			return apperrors.AlreadyClaimed()
		}
		return apperrors.CodeInvalidOrExpired()
	}

	log.Info().
		Str("sessionId", session.ID).
		Str("campaignId", campaignID).
		Str("dm", dmName).
		Msg("display paired")

	event := sse.Event{
		Type: sse.TypeDisplayPaired,
		Data: []byte(fmt.Sprintf(`{"sessionId":%q}`, session.ID)),
	}
	if err := s.publisher.Publish(ctx, campaignID, event); err != nil {
		log.Warn().Err(err).Str("campaignId", campaignID).Msg("failed to publish pairing event")
	}

	return nil
}

// Disconnect is the best-effort unload signal. Idempotent; unknown tokens
// are not an error because the reaper may already have removed the session.
func (s *PairingService) Disconnect(ctx context.Context, token string) error {
	session, err := s.sessions.FindByTokenHash(ctx, util.HashToken(token))
	if err != nil {
		return apperrors.Database(err)
	}
	if session == nil || session.Status == model.SessionStatusDisconnected {
		return nil
	}

	if err := s.sessions.MarkDisconnected(ctx, session.ID, s.clock.Now()); err != nil {
		return apperrors.Database(err)
	}

	log.Info().Str("sessionId", session.ID).Msg("display disconnected")

	if session.Status == model.SessionStatusPaired && session.CampaignID != nil {
		event := sse.Event{
			Type: sse.TypeDisplayDisconnected,
			Data: []byte(fmt.Sprintf(`{"sessionId":%q}`, session.ID)),
		}
		if err := s.publisher.Publish(ctx, *session.CampaignID, event); err != nil {
			log.Warn().Err(err).Msg("failed to publish disconnect event")
		}
	}

	return nil
}

func generateCode() string {
	digits := make([]byte, config.CodeLength)
	for i := range digits {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits)
}
