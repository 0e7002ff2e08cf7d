package service

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/torchlight-app/table-sync-go/internal/errors"
	"github.com/torchlight-app/table-sync-go/internal/model"
	"github.com/torchlight-app/table-sync-go/internal/repository"
	"github.com/torchlight-app/table-sync-go/internal/sse"
)

const testPresenceTTL = time.Minute

type presenceFixture struct {
	svc       *PresenceService
	store     *repository.MemoryPresenceStore
	publisher *recordingPublisher
	clock     *clockwork.FakeClock
}

func newPresenceFixture(t *testing.T) *presenceFixture {
	t.Helper()

	store := repository.NewMemoryPresenceStore()
	publisher := &recordingPublisher{}
	clock := clockwork.NewFakeClock()

	return &presenceFixture{
		svc:       NewPresenceService(store, publisher, clock, testPresenceTTL),
		store:     store,
		publisher: publisher,
		clock:     clock,
	}
}

func TestJoinPartitionsByRole(t *testing.T) {
	f := newPresenceFixture(t)
	ctx := context.Background()

	_, err := f.svc.Join(ctx, "camp-1", "dm-1", "Mira", model.RoleDM)
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, "camp-1", "p-1", "Oren", model.RolePlayer)
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, "camp-1", "p-2", "Tavi", model.RolePlayer)
	require.NoError(t, err)

	list, err := f.svc.List(ctx, "camp-1")
	require.NoError(t, err)
	assert.Len(t, list.DMs, 1)
	assert.Len(t, list.Players, 2)
}

func TestJoinRejectsUnknownRole(t *testing.T) {
	f := newPresenceFixture(t)

	_, err := f.svc.Join(context.Background(), "camp-1", "x", "X", model.Role("spectator"))
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.GetCode(err))
}

func TestJoinIsIdempotent(t *testing.T) {
	f := newPresenceFixture(t)
	ctx := context.Background()

	first, err := f.svc.Join(ctx, "camp-1", "p-1", "Oren", model.RolePlayer)
	require.NoError(t, err)

	f.clock.Advance(10 * time.Second)

	again, err := f.svc.Join(ctx, "camp-1", "p-1", "Oren", model.RolePlayer)
	require.NoError(t, err)

	// connected_at survives the re-join, last_seen_at moves forward
	assert.Equal(t, first.ConnectedAt, again.ConnectedAt)
	assert.True(t, again.LastSeenAt.After(first.LastSeenAt))

	list, err := f.svc.List(ctx, "camp-1")
	require.NoError(t, err)
	assert.Len(t, list.Players, 1)

	// only the first join announces a change
	assert.Len(t, f.publisher.byType(sse.TypePresenceChanged), 1)
}

func TestLeavePublishesOnce(t *testing.T) {
	f := newPresenceFixture(t)
	ctx := context.Background()

	_, err := f.svc.Join(ctx, "camp-1", "p-1", "Oren", model.RolePlayer)
	require.NoError(t, err)

	require.NoError(t, f.svc.Leave(ctx, "camp-1", "p-1"))
	require.NoError(t, f.svc.Leave(ctx, "camp-1", "p-1"))

	// one join + one leave
	assert.Len(t, f.publisher.byType(sse.TypePresenceChanged), 2)
}

func TestHeartbeatUnknownMember(t *testing.T) {
	f := newPresenceFixture(t)

	err := f.svc.Heartbeat(context.Background(), "camp-1", "ghost")
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
}

func TestListFiltersStaleMembers(t *testing.T) {
	f := newPresenceFixture(t)
	ctx := context.Background()

	_, err := f.svc.Join(ctx, "camp-1", "p-1", "Oren", model.RolePlayer)
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, "camp-1", "p-2", "Tavi", model.RolePlayer)
	require.NoError(t, err)

	f.clock.Advance(testPresenceTTL / 2)
	require.NoError(t, f.svc.Heartbeat(ctx, "camp-1", "p-2"))

	f.clock.Advance(testPresenceTTL/2 + time.Second)

	// p-1 never heartbeated and is past the TTL; p-2 is fresh
	list, err := f.svc.List(ctx, "camp-1")
	require.NoError(t, err)
	require.Len(t, list.Players, 1)
	assert.Equal(t, "p-2", list.Players[0].ID)
}

func TestListCampaignsAreIndependent(t *testing.T) {
	f := newPresenceFixture(t)
	ctx := context.Background()

	_, err := f.svc.Join(ctx, "camp-1", "p-1", "Oren", model.RolePlayer)
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, "camp-2", "p-1", "Oren", model.RolePlayer)
	require.NoError(t, err)

	require.NoError(t, f.svc.Leave(ctx, "camp-1", "p-1"))

	list, err := f.svc.List(ctx, "camp-2")
	require.NoError(t, err)
	assert.Len(t, list.Players, 1)
}
