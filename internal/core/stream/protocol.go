package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/trymwestin/nest/internal/core/auth"
	"github.com/trymwestin/nest/internal/core/state"
	"github.com/trymwestin/nest/internal/core/transport"
)

// Server event types.
const (
	EventPut         = "put"
	EventPatch       = "patch"
	EventKeepAlive   = "keep-alive"
	EventOpen        = "open"
	EventRedirect    = "redirect"
	EventAuthRevoked = "auth_revoked"
	EventCancel      = "cancel"
	EventError       = "error"
)

type message struct {
	Path string `json:"path"`
	Data any    `json:"data"`
}

// handleEvent applies one server event. A non-nil error ends the session.
func (c *Client) handleEvent(ctx context.Context, evt transport.Event, res *sessionResult) error {
	c.rec.ObserveEvent(evt.Type)

	switch evt.Type {
	case EventKeepAlive, EventOpen:
		return nil

	case EventPut, EventPatch:
		var msg message
		if err := json.Unmarshal(evt.Data, &msg); err != nil {
			return &StreamError{Kind: KindProtocolMalformed, Snapshot: !res.gotSnapshot, Err: err}
		}
		if isRoot(msg.Path) && evt.Type == EventPut {
			return c.applySnapshot(ctx, msg.Data, res)
		}
		if !res.gotSnapshot {
			c.log.Debug("ignoring update before snapshot", "type", evt.Type, "path", msg.Path)
			return nil
		}
		return c.applyPatch(ctx, msg)

	case EventRedirect:
		loc := parseLocation(evt.Data)
		if loc == "" {
			return &StreamError{Kind: KindProtocolMalformed, Err: fmt.Errorf("redirect without location: %q", evt.Data)}
		}
		return &StreamError{Kind: KindRedirect, Location: loc}

	case EventAuthRevoked, EventCancel:
		return &StreamError{Kind: KindAuthRevoked, Err: fmt.Errorf("server sent %s", evt.Type)}

	case EventError:
		return &StreamError{Kind: KindConnectionLost, Err: fmt.Errorf("server error: %s", strings.TrimSpace(string(evt.Data)))}

	default:
		c.log.Debug("ignoring unknown event", "type", evt.Type)
		return nil
	}
}

func (c *Client) applySnapshot(ctx context.Context, data any, res *sessionResult) error {
	entities, err := state.EntitiesFromDocument(data)
	if err != nil {
		return &StreamError{Kind: KindProtocolMalformed, Snapshot: true, Err: err}
	}

	c.tree.Replace(entities)
	res.gotSnapshot = true
	c.rec.SetEntities(c.tree.Len())
	c.log.Info("snapshot applied", "entities", len(entities))
	c.signal.Raise()
	c.bus.TreeReplaced(len(entities))

	if err := c.checkClientVersion(ctx); err != nil {
		return err
	}
	c.setState(Streaming)
	return nil
}

func (c *Client) applyPatch(ctx context.Context, msg message) error {
	patches, err := state.PatchesAt(msg.Path, msg.Data)
	if err != nil {
		return &StreamError{Kind: KindProtocolMalformed, Err: err}
	}
	if len(patches) == 0 {
		c.log.Debug("update outside known sections", "path", msg.Path)
		return nil
	}

	c.tree.Apply(patches...)
	c.rec.AddPatches(len(patches))
	c.rec.SetEntities(c.tree.Len())
	c.signal.Raise()

	for _, p := range patches {
		if p.EntityID == state.MetadataID {
			return c.checkClientVersion(ctx)
		}
	}
	return nil
}

// checkClientVersion compares the metadata client_version with the product
// version the credential was issued for.
func (c *Client) checkClientVersion(ctx context.Context) error {
	meta, ok := c.tree.Get(state.MetadataID)
	if !ok {
		return nil
	}
	raw, ok := meta.Attributes["client_version"]
	if !ok {
		return nil
	}
	v, ok := raw.(float64)
	if !ok {
		return nil
	}
	if c.auth.ObserveClientVersion(ctx, int(v)) {
		return nil
	}
	return fmt.Errorf("stream: %w: %s", auth.ErrNotAuthorized, auth.ClientVersionOutOfDate)
}

func isRoot(path string) bool {
	return path == "" || path == "/"
}

// parseLocation accepts {"location": "..."} or a bare JSON string.
func parseLocation(data []byte) string {
	var obj struct {
		Location string `json:"location"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && obj.Location != "" {
		return obj.Location
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	return ""
}
