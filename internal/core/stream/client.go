// Package stream keeps the state tree in sync with the Nest API over a single
// long-lived push connection, reconnecting with backoff on failure.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/trymwestin/nest/internal/core/auth"
	"github.com/trymwestin/nest/internal/core/state"
	"github.com/trymwestin/nest/internal/core/transport"
)

// DefaultURL is the Nest streaming endpoint.
const DefaultURL = "https://developer-api.nest.com/"

// State is the connection state of a Client.
type State int

const (
	Disconnected State = iota
	Connecting
	Streaming
	Redirecting
	Reconnecting
	Faulted
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Redirecting:
		return "redirecting"
	case Reconnecting:
		return "reconnecting"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config tunes the connection policy.
type Config struct {
	URL string
	// BackoffBase is the first reconnect delay; it doubles per consecutive
	// failure up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// StabilityWindow is how long a session must stream before the backoff
	// returns to BackoffBase.
	StabilityWindow time.Duration
	// IdleTimeout bounds the silence between two events, heartbeats included.
	IdleTimeout time.Duration
	// MalformedSnapshotLimit is the number of consecutive malformed snapshots
	// tolerated before the client faults.
	MalformedSnapshotLimit int
	// MaxRedirects caps consecutive redirects before falling back to backoff.
	// Zero selects the default.
	MaxRedirects int
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		URL:                    DefaultURL,
		BackoffBase:            time.Second,
		BackoffMax:             2 * time.Minute,
		StabilityWindow:        time.Minute,
		IdleTimeout:            90 * time.Second,
		MalformedSnapshotLimit: 3,
		MaxRedirects:           5,
	}
}

// Authorizer supplies and invalidates credentials.
type Authorizer interface {
	CurrentCredential() (auth.Credential, error)
	ReportStatus(code int)
	Revoke()
	ObserveClientVersion(ctx context.Context, v int) bool
}

// Recorder receives stream metrics.
type Recorder interface {
	SetStreamState(s string)
	ObserveEvent(eventType string)
	AddPatches(n int)
	IncReconnects(reason string)
	SetEntities(n int)
}

type nopRecorder struct{}

func (nopRecorder) SetStreamState(string) {}
func (nopRecorder) ObserveEvent(string)   {}
func (nopRecorder) AddPatches(int)        {}
func (nopRecorder) IncReconnects(string)  {}
func (nopRecorder) SetEntities(int)       {}

// Option configures a Client.
type Option func(*Client)

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.rec = r }
}

// WithEventBus publishes state transitions on bus.
func WithEventBus(bus *state.EventBus) Option {
	return func(c *Client) { c.bus = bus }
}

// Client owns the push connection, the tree writes and the change signal.
type Client struct {
	cfg    Config
	dialer transport.Dialer
	auth   Authorizer
	tree   *state.Tree
	signal *state.Signal
	bus    *state.EventBus
	rec    Recorder
	log    *slog.Logger

	mu      sync.Mutex
	state   State
	fault   error
	running bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
	wakeCh  chan struct{}
}

// NewClient creates a stream client writing into tree and raising signal.
func NewClient(
	cfg Config,
	dialer transport.Dialer,
	authz Authorizer,
	tree *state.Tree,
	signal *state.Signal,
	log *slog.Logger,
	opts ...Option,
) *Client {
	def := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.MalformedSnapshotLimit < 0 {
		cfg.MalformedSnapshotLimit = 0
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = def.MaxRedirects
	}

	c := &Client{
		cfg:    cfg,
		dialer: dialer,
		auth:   authz,
		tree:   tree,
		signal: signal,
		rec:    nopRecorder{},
		log:    log,
		wakeCh: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the background worker. ctx bounds the worker's lifetime.
// Without a usable credential the client faults and nothing is dialed.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.running {
		return ErrAlreadyRunning
	}
	if _, err := c.auth.CurrentCredential(); err != nil {
		c.faultLocked(err)
		return fmt.Errorf("stream: start: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	c.fault = nil
	c.setStateLocked(Connecting)

	go c.runLoop(ctx, c.done)
	return nil
}

// Stop tears down the connection and waits for the worker to exit. It is
// idempotent and terminal for this client.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("stream: stop: %w", ctx.Err())
		}
	}

	c.mu.Lock()
	c.setStateLocked(Disconnected)
	c.mu.Unlock()
	return nil
}

// Wake cuts a pending backoff wait short.
func (c *Client) Wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Fault returns why the client entered Faulted, or nil.
func (c *Client) Fault() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fault
}

// Running reports whether the worker is alive.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Tree returns the synchronized state tree.
func (c *Client) Tree() *state.Tree { return c.tree }

// Signal returns the change signal.
func (c *Client) Signal() *state.Signal { return c.signal }

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(s)
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	prev := c.state
	c.state = s
	c.rec.SetStreamState(s.String())
	c.log.Info("stream state changed", "from", prev.String(), "to", s.String())
	c.bus.StreamState(s.String())
}

func (c *Client) setFault(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faultLocked(err)
}

func (c *Client) faultLocked(err error) {
	c.fault = err
	c.log.Error("stream faulted", "error", err)
	c.setStateLocked(Faulted)
}

func (c *Client) runLoop(ctx context.Context, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		c.running = false
		if c.state != Faulted {
			c.setStateLocked(Disconnected)
		}
		c.mu.Unlock()
		close(done)
	}()

	backoff := NewBackoff(c.cfg.BackoffBase, c.cfg.BackoffMax)
	endpoint := c.cfg.URL
	redirects := 0
	malformed := 0

	for {
		if ctx.Err() != nil {
			return
		}

		cred, err := c.auth.CurrentCredential()
		if err != nil {
			c.setFault(err)
			return
		}

		c.setState(Connecting)
		res := c.connectAndRun(ctx, endpoint, cred.AccessToken)
		if ctx.Err() != nil {
			return
		}
		err = res.err

		if res.gotSnapshot {
			malformed = 0
			redirects = 0
		}

		if loc, ok := redirectLocation(err); ok {
			redirects++
			if redirects <= c.cfg.MaxRedirects {
				c.log.Info("stream redirected", "location", loc)
				endpoint = loc
				c.setState(Redirecting)
				continue
			}
			c.log.Warn("too many consecutive redirects, backing off", "redirects", redirects)
			redirects = 0
		}
		endpoint = c.cfg.URL

		if fault := c.classifyFault(ctx, err, &malformed); fault != nil {
			c.setFault(fault)
			return
		}

		if res.streamed >= c.cfg.StabilityWindow {
			backoff.Reset()
		}
		wait := backoff.Next()
		var rl *transport.RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > wait {
			wait = rl.RetryAfter
		}

		c.setState(Reconnecting)
		c.rec.IncReconnects(reconnectReason(err))
		c.log.Warn("stream interrupted", "error", err, "retry_in", wait, "failures", backoff.Failures())

		// Interruptible backoff; a wake signal skips the wait.
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-c.wakeCh:
			timer.Stop()
			c.log.Info("wake signal received, reconnecting immediately")
		case <-timer.C:
		}
	}
}

// classifyFault returns a non-nil error when err must stop the worker.
func (c *Client) classifyFault(ctx context.Context, err error, malformed *int) error {
	var se *transport.StatusError
	switch {
	case err == nil:
		return nil

	case errors.As(err, &se) && errors.Is(err, transport.ErrUnauthorized):
		c.auth.ReportStatus(se.StatusCode)
		return &StreamError{Kind: KindAuthRevoked, Err: err}

	case IsAuthRevoked(err):
		c.auth.Revoke()
		return err

	case errors.Is(err, auth.ErrNotAuthorized):
		return err
	}

	var sErr *StreamError
	if errors.As(err, &sErr) && sErr.Kind == KindProtocolMalformed && sErr.Snapshot {
		*malformed++
		if *malformed > c.cfg.MalformedSnapshotLimit {
			return &StreamError{
				Kind: KindProtocolMalformed,
				Err:  fmt.Errorf("%d consecutive malformed snapshots: %w", *malformed, sErr.Err),
			}
		}
	}
	return nil
}

type sessionResult struct {
	gotSnapshot bool
	streamed    time.Duration
	err         error
}

type recvResult struct {
	evt transport.Event
	err error
}

// connectAndRun dials endpoint and consumes events until the session ends.
func (c *Client) connectAndRun(ctx context.Context, endpoint, token string) (res sessionResult) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.log.Info("attempting stream connection", "url", endpoint)
	conn, err := c.dialer.Dial(connCtx, endpoint, token)
	if err != nil {
		res.err = err
		return res
	}

	events := make(chan recvResult)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			evt, err := conn.Recv(connCtx)
			select {
			case events <- recvResult{evt: evt, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var streamingSince time.Time
	defer func() {
		conn.Close()
		cancel()
		<-readerDone
		if !streamingSince.IsZero() {
			res.streamed = time.Since(streamingSince)
		}
	}()

	idle := time.NewTimer(c.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			res.err = ctx.Err()
			return res

		case <-idle.C:
			res.err = &StreamError{Kind: KindConnectionLost, Err: errIdleTimeout}
			return res

		case r := <-events:
			if r.err != nil {
				res.err = &StreamError{Kind: KindConnectionLost, Err: r.err}
				return res
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(c.cfg.IdleTimeout)

			if err := c.handleEvent(ctx, r.evt, &res); err != nil {
				res.err = err
				return res
			}
			if res.gotSnapshot && streamingSince.IsZero() {
				streamingSince = time.Now()
			}
		}
	}
}

func redirectLocation(err error) (string, bool) {
	var re *transport.RedirectError
	if errors.As(err, &re) {
		return re.Location, true
	}
	var se *StreamError
	if errors.As(err, &se) && se.Kind == KindRedirect && se.Location != "" {
		return se.Location, true
	}
	return "", false
}

func reconnectReason(err error) string {
	var se *StreamError
	var rl *transport.RateLimitError
	var st *transport.StatusError
	switch {
	case errors.As(err, &se):
		return string(se.Kind)
	case errors.As(err, &rl):
		return "rate_limited"
	case errors.As(err, &st) && st.StatusCode >= http.StatusInternalServerError:
		return "server_error"
	default:
		return "dial_failed"
	}
}
