// Package client implements the display device's side of the pairing
// protocol: register, show the code, poll for pairing, heartbeat, and
// refresh the code when its countdown runs out. The three loops are
// independently scheduled and never block one another.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	apperrors "github.com/torchlight-app/table-sync-go/internal/errors"
	"github.com/torchlight-app/table-sync-go/internal/model"
)

const (
	defaultPollInterval      = 2 * time.Second
	defaultHeartbeatInterval = 20 * time.Second
	defaultCountdownInterval = time.Second

	// After this many consecutive heartbeat failures the display treats
	// its token as suspect and re-registers instead of waiting to be
	// reaped.
	defaultMaxHeartbeatFailures = 3
)

type Registration struct {
	Token          string `json:"token"`
	Code           string `json:"code"`
	CodeTTLSeconds int    `json:"codeTtlSeconds"`
}

type CodeRefresh struct {
	Code           string `json:"code"`
	CodeTTLSeconds int    `json:"codeTtlSeconds"`
}

type Status struct {
	Status   model.SessionStatus `json:"status"`
	Campaign *model.CampaignRef  `json:"campaign,omitempty"`
}

// Client issues the raw pairing API calls.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: baseURL, http: httpClient}
}

func (c *Client) Register(ctx context.Context) (*Registration, error) {
	var reg Registration
	if err := c.do(ctx, http.MethodPost, "/v1/displays", nil, &reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

func (c *Client) Status(ctx context.Context, token string) (*Status, error) {
	var status Status
	if err := c.do(ctx, http.MethodGet, "/v1/displays/"+token, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) Heartbeat(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "/v1/displays/"+token+"/heartbeat", nil, nil)
}

func (c *Client) RefreshCode(ctx context.Context, token string) (*CodeRefresh, error) {
	var refresh CodeRefresh
	if err := c.do(ctx, http.MethodPost, "/v1/displays/"+token+"/code", nil, &refresh); err != nil {
		return nil, err
	}
	return &refresh, nil
}

func (c *Client) Disconnect(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodDelete, "/v1/displays/"+token, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string              `json:"error"`
			Code  apperrors.ErrorCode `json:"code"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Code == "" {
			return apperrors.Internal(fmt.Sprintf("unexpected status %d", resp.StatusCode))
		}
		return apperrors.New(errResp.Code, errResp.Error)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// DisplayOptions tune the runner's loops. Zero values take defaults.
type DisplayOptions struct {
	PollInterval         time.Duration
	HeartbeatInterval    time.Duration
	CountdownInterval    time.Duration
	MaxHeartbeatFailures int
	Clock                clockwork.Clock
	// OnCode fires whenever a new code should be shown on screen.
	OnCode func(code string, ttl time.Duration)
	// OnPaired fires once when the display binds to a campaign.
	OnPaired func(campaign model.CampaignRef)
}

// Display drives one physical screen through the pairing lifecycle.
type Display struct {
	client *Client
	opts   DisplayOptions
	clock  clockwork.Clock

	mu            sync.Mutex
	token         string
	status        model.SessionStatus
	codeExpiresAt time.Time
	hbFailures    int
	pairedNotify  bool
}

func NewDisplay(client *Client, opts DisplayOptions) *Display {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.CountdownInterval <= 0 {
		opts.CountdownInterval = defaultCountdownInterval
	}
	if opts.MaxHeartbeatFailures <= 0 {
		opts.MaxHeartbeatFailures = defaultMaxHeartbeatFailures
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Display{client: client, opts: opts, clock: opts.Clock}
}

// Run registers and then drives the three loops until ctx is cancelled.
// On the way out it fires a best-effort disconnect; the server's reaper
// covers the case where that signal is lost.
func (d *Display) Run(ctx context.Context) error {
	if err := d.register(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go d.loop(ctx, &wg, d.opts.PollInterval, d.PollOnce)
	go d.loop(ctx, &wg, d.opts.HeartbeatInterval, d.HeartbeatOnce)
	go d.loop(ctx, &wg, d.opts.CountdownInterval, d.RefreshIfExpired)
	wg.Wait()

	token := d.Token()
	if token != "" {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := d.client.Disconnect(disconnectCtx, token); err != nil {
			log.Debug().Err(err).Msg("best-effort disconnect failed")
		}
	}
	return ctx.Err()
}

func (d *Display) loop(ctx context.Context, wg *sync.WaitGroup, interval time.Duration, step func(context.Context)) {
	defer wg.Done()
	ticker := d.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			step(ctx)
		}
	}
}

func (d *Display) register(ctx context.Context) error {
	reg, err := d.client.Register(ctx)
	if err != nil {
		return fmt.Errorf("register display: %w", err)
	}

	ttl := time.Duration(reg.CodeTTLSeconds) * time.Second

	d.mu.Lock()
	d.token = reg.Token
	d.status = model.SessionStatusWaiting
	d.codeExpiresAt = d.clock.Now().Add(ttl)
	d.hbFailures = 0
	d.pairedNotify = false
	d.mu.Unlock()

	log.Info().Msg("display registered")
	if d.opts.OnCode != nil {
		d.opts.OnCode(reg.Code, ttl)
	}
	return nil
}

// PollOnce asks for the session's status. Transient errors are swallowed
// and retried next tick; NotFound means the session was reaped, so the
// token is discarded and a new registration starts over.
func (d *Display) PollOnce(ctx context.Context) {
	token := d.Token()
	if token == "" {
		// a previous re-registration failed; try again
		if err := d.register(ctx); err != nil {
			log.Debug().Err(err).Msg("registration retry failed")
		}
		return
	}

	status, err := d.client.Status(ctx, token)
	if err != nil {
		if apperrors.GetCode(err) == apperrors.ErrCodeNotFound {
			d.reRegister(ctx, "session gone")
		}
		return
	}

	d.mu.Lock()
	d.status = status.Status
	notify := status.Status == model.SessionStatusPaired && !d.pairedNotify && status.Campaign != nil
	if notify {
		d.pairedNotify = true
	}
	d.mu.Unlock()

	if status.Status == model.SessionStatusDisconnected {
		d.reRegister(ctx, "marked disconnected")
		return
	}
	if notify && d.opts.OnPaired != nil {
		d.opts.OnPaired(*status.Campaign)
	}
}

// HeartbeatOnce sends one heartbeat. Failures are counted; past the
// threshold the token is treated as suspect and the display re-registers
// proactively instead of waiting to be reaped.
func (d *Display) HeartbeatOnce(ctx context.Context) {
	token := d.Token()
	if token == "" {
		return
	}

	err := d.client.Heartbeat(ctx, token)
	if err == nil {
		d.mu.Lock()
		d.hbFailures = 0
		d.mu.Unlock()
		return
	}

	if apperrors.GetCode(err) == apperrors.ErrCodeNotFound {
		d.reRegister(ctx, "heartbeat rejected")
		return
	}

	d.mu.Lock()
	d.hbFailures++
	failures := d.hbFailures
	d.mu.Unlock()

	log.Debug().Err(err).Int("failures", failures).Msg("heartbeat failed")
	if failures >= d.opts.MaxHeartbeatFailures {
		d.reRegister(ctx, "too many heartbeat failures")
	}
}

// RefreshIfExpired swaps the code once its countdown reaches zero. Only
// meaningful while waiting; a session that paired in the meantime just
// skips the refresh.
func (d *Display) RefreshIfExpired(ctx context.Context) {
	d.mu.Lock()
	token := d.token
	due := d.status == model.SessionStatusWaiting && !d.clock.Now().Before(d.codeExpiresAt)
	d.mu.Unlock()

	if token == "" || !due {
		return
	}

	refresh, err := d.client.RefreshCode(ctx, token)
	if err != nil {
		switch apperrors.GetCode(err) {
		case apperrors.ErrCodeNotFound:
			d.reRegister(ctx, "session gone")
		case apperrors.ErrCodeInvalidState:
			// paired or disconnected since the last poll; PollOnce settles it
		}
		return
	}

	ttl := time.Duration(refresh.CodeTTLSeconds) * time.Second
	d.mu.Lock()
	d.codeExpiresAt = d.clock.Now().Add(ttl)
	d.mu.Unlock()

	if d.opts.OnCode != nil {
		d.opts.OnCode(refresh.Code, ttl)
	}
}

func (d *Display) reRegister(ctx context.Context, reason string) {
	log.Info().Str("reason", reason).Msg("display re-registering")
	if err := d.register(ctx); err != nil {
		log.Warn().Err(err).Msg("re-registration failed, will retry")
		d.mu.Lock()
		d.token = ""
		d.mu.Unlock()
	}
}

func (d *Display) Token() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.token
}

func (d *Display) CurrentStatus() model.SessionStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}
