package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/torchlight-app/table-sync-go/internal/model"
	"github.com/torchlight-app/table-sync-go/internal/repository"
	"github.com/torchlight-app/table-sync-go/internal/sse"
)

const (
	reapScanTimeout = 30 * time.Second

	// Terminal sessions are kept around briefly so a late status poll
	// still sees "disconnected" instead of NotFound.
	disconnectedRetention = time.Hour
)

// Reaper is the authoritative liveness monitor. Explicit disconnect
// signals only shorten detection latency; this scan is what guarantees
// every gone client converges to disconnected/removed.
type Reaper struct {
	sessions      repository.PairingSessionRepository
	presence      repository.PresenceStore
	publisher     sse.Publisher
	clock         clockwork.Clock
	interval      time.Duration
	reapThreshold time.Duration
	presenceTTL   time.Duration
	done          chan struct{}
}

func NewReaper(
	sessions repository.PairingSessionRepository,
	presence repository.PresenceStore,
	publisher sse.Publisher,
	clock clockwork.Clock,
	interval, reapThreshold, presenceTTL time.Duration,
) *Reaper {
	return &Reaper{
		sessions:      sessions,
		presence:      presence,
		publisher:     publisher,
		clock:         clock,
		interval:      interval,
		reapThreshold: reapThreshold,
		presenceTTL:   presenceTTL,
		done:          make(chan struct{}),
	}
}

func (r *Reaper) Start() {
	go r.run()
	log.Info().
		Dur("interval", r.interval).
		Dur("reapThreshold", r.reapThreshold).
		Msg("liveness reaper started")
}

func (r *Reaper) Stop() {
	close(r.done)
	log.Info().Msg("liveness reaper stopped")
}

func (r *Reaper) run() {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), reapScanTimeout)
			r.ReapOnce(ctx)
			cancel()
		}
	}
}

// ReapOnce runs a single scan: stale sessions become disconnected, stale
// presence members are removed, old terminal sessions are purged.
func (r *Reaper) ReapOnce(ctx context.Context) {
	now := r.clock.Now()
	r.reapSessions(ctx, now)
	r.reapPresence(ctx, now)

	if count, err := r.sessions.DeleteDisconnected(ctx, now.Add(-disconnectedRetention)); err != nil {
		log.Error().Err(err).Msg("failed to purge disconnected sessions")
	} else if count > 0 {
		log.Info().Int64("count", count).Msg("purged disconnected sessions")
	}
}

func (r *Reaper) reapSessions(ctx context.Context, now time.Time) {
	stale, err := r.sessions.FindStale(ctx, now.Add(-r.reapThreshold))
	if err != nil {
		log.Error().Err(err).Msg("failed to scan stale sessions")
		return
	}

	for _, session := range stale {
		if err := r.sessions.MarkDisconnected(ctx, session.ID, now); err != nil {
			log.Error().Err(err).Str("sessionId", session.ID).Msg("failed to reap session")
			continue
		}

		log.Info().
			Str("sessionId", session.ID).
			Str("status", string(session.Status)).
			Time("lastHeartbeatAt", session.LastHeartbeatAt).
			Msg("reaped stale display session")

		if session.Status == model.SessionStatusPaired && session.CampaignID != nil {
			event := sse.Event{
				Type: sse.TypeDisplayDisconnected,
				Data: []byte(fmt.Sprintf(`{"sessionId":%q}`, session.ID)),
			}
			if err := r.publisher.Publish(ctx, *session.CampaignID, event); err != nil {
				log.Warn().Err(err).Msg("failed to publish reap event")
			}
		}
	}
}

func (r *Reaper) reapPresence(ctx context.Context, now time.Time) {
	campaigns, err := r.presence.Campaigns(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list presence campaigns")
		return
	}

	cutoff := now.Add(-r.presenceTTL)
	for _, campaignID := range campaigns {
		members, err := r.presence.List(ctx, campaignID)
		if err != nil {
			log.Error().Err(err).Str("campaignId", campaignID).Msg("failed to list presence members")
			continue
		}

		changed := false
		for _, m := range members {
			if !m.LastSeenAt.Before(cutoff) {
				continue
			}
			removed, err := r.presence.Remove(ctx, campaignID, m.ID)
			if err != nil {
				log.Error().Err(err).Str("memberId", m.ID).Msg("failed to reap presence member")
				continue
			}
			if removed {
				changed = true
				log.Info().
					Str("campaignId", campaignID).
					Str("memberId", m.ID).
					Msg("reaped stale presence member")
			}
		}

		if changed {
			event := sse.Event{Type: sse.TypePresenceChanged}
			if err := r.publisher.Publish(ctx, campaignID, event); err != nil {
				log.Warn().Err(err).Msg("failed to publish presence change")
			}
		}
	}
}
