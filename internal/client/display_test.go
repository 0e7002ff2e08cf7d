package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/torchlight-app/table-sync-go/internal/errors"
	"github.com/torchlight-app/table-sync-go/internal/model"
)

// fakeServer scripts the pairing API so loop behavior can be driven
// step by step.
type fakeServer struct {
	mu         sync.Mutex
	registers  int
	heartbeats int
	refreshes  int
	statusAns  Status
	statusErr  apperrors.ErrorCode
	hbErr      apperrors.ErrorCode
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/displays", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.registers++
		n := f.registers
		f.mu.Unlock()
		writeJSON(w, http.StatusCreated, Registration{
			Token:          fmt.Sprintf("token-%d", n),
			Code:           fmt.Sprintf("%06d", n),
			CodeTTLSeconds: 5,
		})
	})

	mux.HandleFunc("GET /v1/displays/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		code, ans := f.statusErr, f.statusAns
		f.mu.Unlock()
		if code != "" {
			writeAPIError(w, code)
			return
		}
		writeJSON(w, http.StatusOK, ans)
	})

	mux.HandleFunc("POST /v1/displays/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/heartbeat"):
			f.mu.Lock()
			f.heartbeats++
			code := f.hbErr
			f.mu.Unlock()
			if code != "" {
				writeAPIError(w, code)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

		case strings.HasSuffix(r.URL.Path, "/code"):
			f.mu.Lock()
			f.refreshes++
			n := f.refreshes
			f.mu.Unlock()
			writeJSON(w, http.StatusOK, CodeRefresh{
				Code:           fmt.Sprintf("9%05d", n),
				CodeTTLSeconds: 5,
			})

		default:
			http.NotFound(w, r)
		}
	})

	mux.HandleFunc("DELETE /v1/displays/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, code apperrors.ErrorCode) {
	status := http.StatusInternalServerError
	if code == apperrors.ErrCodeNotFound {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]any{"error": "nope", "code": code})
}

type displayFixture struct {
	fake    *fakeServer
	display *Display
	clock   *clockwork.FakeClock
	codes   []string
	paired  []model.CampaignRef
}

func newDisplayFixture(t *testing.T) *displayFixture {
	t.Helper()

	fake := &fakeServer{statusAns: Status{Status: model.SessionStatusWaiting}}
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	f := &displayFixture{fake: fake, clock: clockwork.NewFakeClock()}
	f.display = NewDisplay(NewClient(server.URL, server.Client()), DisplayOptions{
		Clock: f.clock,
		OnCode: func(code string, ttl time.Duration) {
			f.codes = append(f.codes, code)
		},
		OnPaired: func(c model.CampaignRef) {
			f.paired = append(f.paired, c)
		},
	})
	return f
}

// bootstrap registers via the poll loop's empty-token path.
func (f *displayFixture) bootstrap(t *testing.T) {
	t.Helper()
	f.display.PollOnce(context.Background())
	require.NotEmpty(t, f.display.Token())
}

func TestDisplayRegistersAndShowsCode(t *testing.T) {
	f := newDisplayFixture(t)
	f.bootstrap(t)

	assert.Equal(t, "token-1", f.display.Token())
	assert.Equal(t, model.SessionStatusWaiting, f.display.CurrentStatus())
	assert.Equal(t, []string{"000001"}, f.codes)
}

func TestPollFiresOnPairedOnce(t *testing.T) {
	f := newDisplayFixture(t)
	f.bootstrap(t)

	f.fake.mu.Lock()
	f.fake.statusAns = Status{
		Status:   model.SessionStatusPaired,
		Campaign: &model.CampaignRef{ID: "camp-1", Name: "Tomb of Horrors"},
	}
	f.fake.mu.Unlock()

	f.display.PollOnce(context.Background())
	f.display.PollOnce(context.Background())

	assert.Equal(t, model.SessionStatusPaired, f.display.CurrentStatus())
	require.Len(t, f.paired, 1)
	assert.Equal(t, "camp-1", f.paired[0].ID)
}

func TestPollReRegistersWhenSessionGone(t *testing.T) {
	f := newDisplayFixture(t)
	f.bootstrap(t)

	f.fake.mu.Lock()
	f.fake.statusErr = apperrors.ErrCodeNotFound
	f.fake.mu.Unlock()

	f.display.PollOnce(context.Background())

	assert.Equal(t, "token-2", f.display.Token())
	assert.Equal(t, []string{"000001", "000002"}, f.codes)
}

func TestPollReRegistersWhenDisconnected(t *testing.T) {
	f := newDisplayFixture(t)
	f.bootstrap(t)

	f.fake.mu.Lock()
	f.fake.statusAns = Status{Status: model.SessionStatusDisconnected}
	f.fake.mu.Unlock()

	f.display.PollOnce(context.Background())

	assert.Equal(t, "token-2", f.display.Token())
}

func TestHeartbeatNotFoundReRegistersImmediately(t *testing.T) {
	f := newDisplayFixture(t)
	f.bootstrap(t)

	f.fake.mu.Lock()
	f.fake.hbErr = apperrors.ErrCodeNotFound
	f.fake.mu.Unlock()

	f.display.HeartbeatOnce(context.Background())

	assert.Equal(t, "token-2", f.display.Token())
}

func TestHeartbeatReRegistersAfterConsecutiveFailures(t *testing.T) {
	f := newDisplayFixture(t)
	f.bootstrap(t)

	f.fake.mu.Lock()
	f.fake.hbErr = apperrors.ErrCodeInternal
	f.fake.mu.Unlock()

	f.display.HeartbeatOnce(context.Background())
	f.display.HeartbeatOnce(context.Background())
	assert.Equal(t, "token-1", f.display.Token())

	f.display.HeartbeatOnce(context.Background())
	assert.Equal(t, "token-2", f.display.Token())
}

func TestHeartbeatFailureCountResetsOnSuccess(t *testing.T) {
	f := newDisplayFixture(t)
	f.bootstrap(t)

	ctx := context.Background()
	f.fake.mu.Lock()
	f.fake.hbErr = apperrors.ErrCodeInternal
	f.fake.mu.Unlock()
	f.display.HeartbeatOnce(ctx)
	f.display.HeartbeatOnce(ctx)

	f.fake.mu.Lock()
	f.fake.hbErr = ""
	f.fake.mu.Unlock()
	f.display.HeartbeatOnce(ctx)

	f.fake.mu.Lock()
	f.fake.hbErr = apperrors.ErrCodeInternal
	f.fake.mu.Unlock()
	f.display.HeartbeatOnce(ctx)
	f.display.HeartbeatOnce(ctx)

	assert.Equal(t, "token-1", f.display.Token())
}

func TestRefreshSwapsCodeWhenCountdownExpires(t *testing.T) {
	f := newDisplayFixture(t)
	f.bootstrap(t)

	// countdown still running
	f.display.RefreshIfExpired(context.Background())
	assert.Len(t, f.codes, 1)

	f.clock.Advance(6 * time.Second)
	f.display.RefreshIfExpired(context.Background())

	require.Len(t, f.codes, 2)
	assert.Equal(t, "900001", f.codes[1])

	// the new countdown starts over
	f.display.RefreshIfExpired(context.Background())
	assert.Len(t, f.codes, 2)
}

func TestRefreshSkippedWhilePaired(t *testing.T) {
	f := newDisplayFixture(t)
	f.bootstrap(t)

	f.fake.mu.Lock()
	f.fake.statusAns = Status{
		Status:   model.SessionStatusPaired,
		Campaign: &model.CampaignRef{ID: "camp-1", Name: "Tomb of Horrors"},
	}
	f.fake.mu.Unlock()
	f.display.PollOnce(context.Background())

	f.clock.Advance(time.Minute)
	f.display.RefreshIfExpired(context.Background())

	f.fake.mu.Lock()
	refreshes := f.fake.refreshes
	f.fake.mu.Unlock()
	assert.Equal(t, 0, refreshes)
}
