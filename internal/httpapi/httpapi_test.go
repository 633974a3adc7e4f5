package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trymwestin/nest/internal/core/auth"
	"github.com/trymwestin/nest/internal/core/command"
	"github.com/trymwestin/nest/internal/core/device"
	"github.com/trymwestin/nest/internal/core/state"
	"github.com/trymwestin/nest/internal/core/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAuth struct {
	state  auth.State
	url    string
	urlErr error
	pinErr error
	gotPIN string
	gotID  string
}

func (a *fakeAuth) State() auth.State { return a.state }

func (a *fakeAuth) BeginAuthorization(clientID, _ string) (string, error) {
	a.gotID = clientID
	if a.urlErr != nil {
		return "", a.urlErr
	}
	a.state = auth.Pending
	return a.url, nil
}

func (a *fakeAuth) ExchangePIN(_ context.Context, pin, _, _ string) (auth.Credential, error) {
	a.gotPIN = pin
	if a.pinErr != nil {
		return auth.Credential{}, a.pinErr
	}
	a.state = auth.Authorized
	return auth.Credential{AccessToken: "tok"}, nil
}

type fakeStream struct {
	mu       sync.Mutex
	state    stream.State
	fault    error
	running  bool
	startErr error
	starts   int
	wakes    int
	startCtx context.Context
}

func (s *fakeStream) State() stream.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeStream) Fault() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

func (s *fakeStream) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *fakeStream) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	s.startCtx = ctx
	if s.startErr != nil {
		return s.startErr
	}
	if s.running {
		return stream.ErrAlreadyRunning
	}
	s.running = true
	s.state = stream.Connecting
	return nil
}

func (s *fakeStream) Wake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wakes++
}

type fakeWriter struct {
	err    error
	id     string
	values map[string]any
}

func (w *fakeWriter) Set(_ context.Context, id string, values map[string]any) error {
	w.id, w.values = id, values
	return w.err
}

type fixture struct {
	auth   *fakeAuth
	stream *fakeStream
	tree   *state.Tree
	signal *state.Signal
	writer *fakeWriter
	ctx    context.Context
	h      http.Handler
}

type ctxKey struct{}

func newFixture(t *testing.T, corsAll bool) *fixture {
	t.Helper()
	f := &fixture{
		auth:   &fakeAuth{state: auth.NeverAuthorized, url: "https://home.example/login?client_id=cid"},
		stream: &fakeStream{},
		tree:   state.NewTree(),
		signal: state.NewSignal(),
		writer: &fakeWriter{},
		ctx:    context.WithValue(context.Background(), ctxKey{}, "server"),
	}
	f.tree.Replace([]state.Entity{
		{ID: "t1", Kind: state.KindThermostat, Attributes: map[string]any{"name": "Hallway", "target_temperature_c": 21.0}},
	})
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "nest_entities 1\n")
	})
	s := NewServer(f.ctx, Deps{
		Auth:    f.auth,
		Stream:  f.stream,
		Tree:    f.tree,
		Signal:  f.signal,
		Writer:  f.writer,
		Metrics: metrics,
	}, "cid", "secret", corsAll, testLogger())
	f.h = s.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, httptest.NewRequest(method, path, rd))
	resp := rec.Result()

	var out map[string]any
	data := rec.Body.Bytes()
	if len(data) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(data, &out))
	}
	return resp, out
}

func TestStatus(t *testing.T) {
	f := newFixture(t, false)
	f.stream.fault = errors.New("stream: auth_revoked")
	f.signal.Raise()

	resp, body := f.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "never_authorized", body["auth_state"])
	assert.Equal(t, "disconnected", body["stream_state"])
	assert.Equal(t, "stream: auth_revoked", body["fault"])
	assert.EqualValues(t, 1, body["entities"])
	assert.EqualValues(t, 1, body["seq"])
}

func TestStateAndEntity(t *testing.T) {
	f := newFixture(t, false)

	resp, body := f.do(t, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entities := body["entities"].(map[string]any)
	require.Contains(t, entities, "t1")

	resp, body = f.do(t, http.MethodGet, "/api/entities/t1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "t1", body["id"])
	assert.Equal(t, "devices/thermostats", body["kind"])

	resp, _ = f.do(t, http.MethodGet, "/api/entities/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPutEntityErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"accepted", nil, http.StatusAccepted},
		{"not found", device.ErrNotFound, http.StatusNotFound},
		{"invalid", device.ErrInvalidValue, http.StatusBadRequest},
		{"out of range", device.ErrOutOfRange, http.StatusBadRequest},
		{"not authorized", auth.ErrNotAuthorized, http.StatusUnauthorized},
		{"rejected token", command.ErrUnauthorized, http.StatusUnauthorized},
		{"rate limited", command.ErrRateLimited, http.StatusTooManyRequests},
		{"api error", &command.APIError{StatusCode: 400, Message: "Invalid value"}, http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)
			f.writer.err = tt.err
			resp, _ := f.do(t, http.MethodPut, "/api/entities/t1", `{"target_temperature_c":22}`)
			assert.Equal(t, tt.code, resp.StatusCode)
			assert.Equal(t, "t1", f.writer.id)
			assert.Equal(t, map[string]any{"target_temperature_c": 22.0}, f.writer.values)
		})
	}
}

func TestPutEntityBadBody(t *testing.T) {
	f := newFixture(t, false)
	resp, body := f.do(t, http.MethodPut, "/api/entities/t1", `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "invalid body")
	assert.Empty(t, f.writer.id)
}

func TestChangesLongPoll(t *testing.T) {
	f := newFixture(t, false)

	resp, body := f.do(t, http.MethodGet, "/api/changes?timeout=20ms", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["changed"])
	assert.EqualValues(t, 0, body["seq"])

	go func() {
		time.Sleep(20 * time.Millisecond)
		f.signal.Raise()
	}()
	resp, body = f.do(t, http.MethodGet, "/api/changes?since=0&timeout=2s", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["changed"])
	assert.EqualValues(t, 1, body["seq"])

	// A stale cursor returns immediately.
	_, body = f.do(t, http.MethodGet, "/api/changes?since=0&timeout=2s", "")
	assert.Equal(t, true, body["changed"])

	resp, _ = f.do(t, http.MethodGet, "/api/changes?since=abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/changes?timeout=-1s", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthURL(t *testing.T) {
	f := newFixture(t, false)

	resp, body := f.do(t, http.MethodGet, "/api/auth/url", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, f.auth.url, body["url"])
	assert.Equal(t, "pending", body["auth_state"])
	assert.Equal(t, "cid", f.auth.gotID)

	f.auth.urlErr = auth.ErrMissingClient
	resp, _ = f.do(t, http.MethodGet, "/api/auth/url", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAuthPINStartsStream(t *testing.T) {
	f := newFixture(t, false)

	resp, body := f.do(t, http.MethodPost, "/api/auth/pin", `{"pin":"ABCD1234"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ABCD1234", f.auth.gotPIN)
	assert.Equal(t, "authorized", body["auth_state"])
	assert.Equal(t, "connecting", body["stream_state"])

	assert.Equal(t, 1, f.stream.starts)
	assert.Equal(t, "server", f.stream.startCtx.Value(ctxKey{}), "stream outlives the request")

	// A second authorization wakes the running worker.
	resp, _ = f.do(t, http.MethodPost, "/api/auth/pin", `{"pin":"EFGH"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, f.stream.wakes)
}

func TestAuthPINErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"empty", auth.ErrEmptyPIN, http.StatusBadRequest},
		{"rejected", &auth.AuthError{Kind: auth.KindRejected, StatusCode: 400, Code: "invalid_grant"}, http.StatusBadRequest},
		{"network", &auth.AuthError{Kind: auth.KindNetwork, Err: errors.New("dial tcp")}, http.StatusBadGateway},
		{"no client", auth.ErrMissingClient, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)
			f.auth.pinErr = tt.err
			resp, _ := f.do(t, http.MethodPost, "/api/auth/pin", `{"pin":"x"}`)
			assert.Equal(t, tt.code, resp.StatusCode)
			assert.Zero(t, f.stream.starts)
		})
	}
}

func TestStreamRestart(t *testing.T) {
	f := newFixture(t, false)

	resp, body := f.do(t, http.MethodPost, "/api/stream/restart", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "connecting", body["stream_state"])

	resp, _ = f.do(t, http.MethodPost, "/api/stream/restart", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, f.stream.wakes)

	f.stream.startErr = stream.ErrStopped
	resp, _ = f.do(t, http.MethodPost, "/api/stream/restart", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	f.stream.startErr = auth.ErrNotAuthorized
	resp, _ = f.do(t, http.MethodPost, "/api/stream/restart", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture(t, false)
	resp, _ := f.do(t, http.MethodGet, "/metrics", "")
	data, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "nest_entities")
}

func TestCORS(t *testing.T) {
	f := newFixture(t, true)

	resp, _ := f.do(t, http.MethodOptions, "/api/entities/t1", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "PUT")

	plain := newFixture(t, false)
	resp, _ = plain.do(t, http.MethodGet, "/api/status", "")
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}
