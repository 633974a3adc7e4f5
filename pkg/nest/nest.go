// Package nest provides a public facade over the core packages: a Session
// wires authorization, the state tree, the change signal, the stream client
// and the command sink for external consumers of this module.
package nest

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/trymwestin/nest/internal/core/auth"
	"github.com/trymwestin/nest/internal/core/command"
	"github.com/trymwestin/nest/internal/core/device"
	"github.com/trymwestin/nest/internal/core/state"
	"github.com/trymwestin/nest/internal/core/stream"
	"github.com/trymwestin/nest/internal/core/transport"
)

// Re-export core types for external use.
type (
	// Credential is a cached access token.
	Credential = auth.Credential
	// AuthState is the authorization state.
	AuthState = auth.State
	// TokenStore persists credentials.
	TokenStore = auth.TokenStore
	// Entity is one structure, device or the metadata record.
	Entity = state.Entity
	// Kind identifies an entity collection.
	Kind = state.Kind
	// Tree is the local view of the account.
	Tree = state.Tree
	// Signal is the coalesced change notification.
	Signal = state.Signal
	// StreamState is the stream client state.
	StreamState = stream.State
	// Home resolves typed device views over the tree.
	Home         = device.Home
	Thermostat   = device.Thermostat
	Camera       = device.Camera
	SmokeCOAlarm = device.SmokeCOAlarm
	Structure    = device.Structure
	// Dialer opens stream connections.
	Dialer = transport.Dialer
)

// Authorization state constants.
const (
	NeverAuthorized        = auth.NeverAuthorized
	AuthorizationRequired  = auth.AuthorizationRequired
	Pending                = auth.Pending
	Authorized             = auth.Authorized
	InvalidToken           = auth.InvalidToken
	ClientVersionOutOfDate = auth.ClientVersionOutOfDate
)

// Stream state constants.
const (
	Disconnected = stream.Disconnected
	Connecting   = stream.Connecting
	Streaming    = stream.Streaming
	Redirecting  = stream.Redirecting
	Reconnecting = stream.Reconnecting
	Faulted      = stream.Faulted
)

// Entity kind constants.
const (
	KindStructure    = state.KindStructure
	KindThermostat   = state.KindThermostat
	KindSmokeCOAlarm = state.KindSmokeCOAlarm
	KindCamera       = state.KindCamera
	KindMetadata     = state.KindMetadata
)

// ErrNotAuthorized is returned when no usable credential exists.
var ErrNotAuthorized = auth.ErrNotAuthorized

// Options configures a Session. Zero values select the public endpoints.
type Options struct {
	ClientID       string
	ClientSecret   string
	ProductVersion int
	// AccessToken skips the PIN flow.
	AccessToken string
	// TokenStore caches the credential between runs. Nil keeps it in memory.
	TokenStore TokenStore

	AuthorizeURL string
	TokenURL     string
	APIURL       string
	StreamURL    string

	// Dialer overrides the SSE transport.
	Dialer     Dialer
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Session is a wired client.
type Session struct {
	Auth    *auth.Manager
	Tree    *Tree
	Changes *Signal
	Stream  *stream.Client
	Sink    *command.Sink
	Home    *Home

	clientID     string
	clientSecret string
}

// New builds a Session. The stream is not started.
func New(ctx context.Context, opts Options) *Session {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	mgr := auth.NewManager(ctx, auth.Config{
		AuthorizeURL:   opts.AuthorizeURL,
		TokenURL:       opts.TokenURL,
		ProductVersion: opts.ProductVersion,
		AccessToken:    opts.AccessToken,
		HTTPClient:     opts.HTTPClient,
	}, opts.TokenStore, log.With("component", "auth"))

	dialer := opts.Dialer
	if dialer == nil {
		dialer = transport.NewSSEDialer(opts.HTTPClient, log.With("component", "transport"))
	}

	tree := state.NewTree()
	changes := state.NewSignal()
	cfg := stream.DefaultConfig()
	if opts.StreamURL != "" {
		cfg.URL = opts.StreamURL
	}
	client := stream.NewClient(cfg, dialer, mgr, tree, changes, log.With("component", "stream"))

	sink := command.NewSink(command.Config{
		BaseURL:    opts.APIURL,
		MaxRetries: command.DefaultConfig().MaxRetries,
		HTTPClient: opts.HTTPClient,
	}, mgr, log.With("component", "command"))

	return &Session{
		Auth:         mgr,
		Tree:         tree,
		Changes:      changes,
		Stream:       client,
		Sink:         sink,
		Home:         device.NewHome(tree, sink),
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
	}
}

// AuthorizeURL returns the URL the user opens to obtain a PIN.
func (s *Session) AuthorizeURL() (string, error) {
	return s.Auth.BeginAuthorization(s.clientID, s.clientSecret)
}

// Authorize exchanges pin for a credential and starts the stream.
func (s *Session) Authorize(ctx, streamCtx context.Context, pin string) error {
	if _, err := s.Auth.ExchangePIN(ctx, pin, s.clientID, s.clientSecret); err != nil {
		return err
	}
	return s.Start(streamCtx)
}

// Start starts the stream, or wakes it when already running.
func (s *Session) Start(ctx context.Context) error {
	err := s.Stream.Start(ctx)
	if errors.Is(err, stream.ErrAlreadyRunning) {
		s.Stream.Wake()
		return nil
	}
	return err
}

// Close stops the stream.
func (s *Session) Close(ctx context.Context) error {
	return s.Stream.Stop(ctx)
}
