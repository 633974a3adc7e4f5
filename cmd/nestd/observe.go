package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/trymwestin/nest/internal/core/auth"
	"github.com/trymwestin/nest/internal/core/device"
	"github.com/trymwestin/nest/internal/core/state"
)

const authPollInterval = 5 * time.Second

type authSource interface {
	State() auth.State
}

type homeObserver interface {
	SetAuthState(s string)
	SetEntities(n int)
	ObserveHome(home *device.Home)
}

// observer refreshes device gauges after every change and publishes auth
// state transitions. The auth manager has no change hook, so its state is
// polled alongside the change signal.
type observer struct {
	auth    authSource
	home    *device.Home
	tree    *state.Tree
	changes *state.Signal
	bus     *state.EventBus
	rec     homeObserver
	log     *slog.Logger

	interval time.Duration
	last     auth.State
	seen     bool
}

func newObserver(a authSource, home *device.Home, tree *state.Tree, changes *state.Signal, bus *state.EventBus, rec homeObserver, log *slog.Logger) *observer {
	return &observer{
		auth:     a,
		home:     home,
		tree:     tree,
		changes:  changes,
		bus:      bus,
		rec:      rec,
		log:      log,
		interval: authPollInterval,
	}
}

func (o *observer) run(ctx context.Context) {
	o.checkAuth()
	o.observe()

	seq := o.changes.Seq()
	for ctx.Err() == nil {
		next, changed := o.changes.WaitSince(ctx, seq, o.interval)
		if changed {
			seq = next
			o.observe()
		}
		o.checkAuth()
	}
}

func (o *observer) observe() {
	o.rec.SetEntities(o.tree.Len())
	o.rec.ObserveHome(o.home)
}

func (o *observer) checkAuth() {
	s := o.auth.State()
	if o.seen && s == o.last {
		return
	}
	o.last, o.seen = s, true
	o.log.Info("auth state", "state", s)
	o.rec.SetAuthState(s.String())
	o.bus.AuthState(s.String())
}
