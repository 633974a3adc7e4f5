// Package device exposes read-only views over the state tree with
// write-through setters. Views hold no attribute copies of their own: every
// getter re-reads the tree, and setters only issue a command, leaving the
// tree to be updated by the confirming stream patch.
package device

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/trymwestin/nest/internal/core/state"
)

var (
	ErrNotFound     = errors.New("device: entity not found")
	ErrOutOfRange   = errors.New("device: value out of range")
	ErrInvalidValue = errors.New("device: invalid value")
)

// Reader is the read side of the state tree.
type Reader interface {
	Get(id string) (state.Entity, bool)
	Entities(kind state.Kind) []state.Entity
}

// Writer issues property writes.
type Writer interface {
	Set(ctx context.Context, path string, values map[string]any) error
}

// Home groups the views of one account.
type Home struct {
	tree   Reader
	writer Writer
}

// NewHome creates a view factory over tree writing through w.
func NewHome(tree Reader, w Writer) *Home {
	return &Home{tree: tree, writer: w}
}

func (h *Home) base(e state.Entity) view {
	return view{id: e.ID, kind: e.Kind, tree: h.tree, writer: h.writer}
}

func (h *Home) lookup(id string, kind state.Kind) (view, error) {
	e, ok := h.tree.Get(id)
	if !ok || e.Kind != kind {
		return view{}, fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return h.base(e), nil
}

func (h *Home) Thermostats() []Thermostat {
	var out []Thermostat
	for _, e := range h.tree.Entities(state.KindThermostat) {
		out = append(out, Thermostat{h.base(e)})
	}
	return out
}

func (h *Home) Thermostat(id string) (Thermostat, error) {
	v, err := h.lookup(id, state.KindThermostat)
	return Thermostat{v}, err
}

func (h *Home) Cameras() []Camera {
	var out []Camera
	for _, e := range h.tree.Entities(state.KindCamera) {
		out = append(out, Camera{h.base(e)})
	}
	return out
}

func (h *Home) Camera(id string) (Camera, error) {
	v, err := h.lookup(id, state.KindCamera)
	return Camera{v}, err
}

func (h *Home) SmokeCOAlarms() []SmokeCOAlarm {
	var out []SmokeCOAlarm
	for _, e := range h.tree.Entities(state.KindSmokeCOAlarm) {
		out = append(out, SmokeCOAlarm{h.base(e)})
	}
	return out
}

func (h *Home) SmokeCOAlarm(id string) (SmokeCOAlarm, error) {
	v, err := h.lookup(id, state.KindSmokeCOAlarm)
	return SmokeCOAlarm{v}, err
}

func (h *Home) Structures() []Structure {
	var out []Structure
	for _, e := range h.tree.Entities(state.KindStructure) {
		out = append(out, Structure{h.base(e)})
	}
	return out
}

func (h *Home) Structure(id string) (Structure, error) {
	v, err := h.lookup(id, state.KindStructure)
	return Structure{v}, err
}

// ClientVersion returns the client_version from the metadata record.
func (h *Home) ClientVersion() (int, bool) {
	e, ok := h.tree.Get(state.MetadataID)
	if !ok {
		return 0, false
	}
	v, ok := number(e.Attributes, "client_version")
	return int(v), ok
}

// view is the part shared by every accessor.
type view struct {
	id     string
	kind   state.Kind
	tree   Reader
	writer Writer
}

func (v view) ID() string { return v.id }

func (v view) Kind() state.Kind { return v.kind }

// Exists reports whether the entity is still present in the tree.
func (v view) Exists() bool {
	_, ok := v.tree.Get(v.id)
	return ok
}

func (v view) attrs() map[string]any {
	e, ok := v.tree.Get(v.id)
	if !ok {
		return nil
	}
	return e.Attributes
}

func (v view) path() string {
	return state.Entity{ID: v.id, Kind: v.kind}.Path()
}

func (v view) set(ctx context.Context, values map[string]any) error {
	if !v.Exists() {
		return fmt.Errorf("%w: %s %s", ErrNotFound, v.kind, v.id)
	}
	return v.writer.Set(ctx, v.path(), values)
}

// Name is the display name of the entity.
func (v view) Name() string { return str(v.attrs(), "name") }

// Attributes returns a copy of every attribute of the entity.
func (v view) Attributes() map[string]any { return v.attrs() }

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func number(m map[string]any, key string) (float64, bool) {
	switch n := m[key].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func boolean(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func stringList(m map[string]any, key string) []string {
	raw, _ := m[key].([]any)
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// Set writes raw attributes to the entity id. Friendly values for away,
// hvac_mode and the fan timer are normalized first.
func (h *Home) Set(ctx context.Context, id string, values map[string]any) error {
	e, ok := h.tree.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if len(values) == 0 {
		return fmt.Errorf("%w: no attributes", ErrInvalidValue)
	}

	out := make(map[string]any, len(values))
	for k, v := range values {
		switch {
		case k == "away" && e.Kind == state.KindStructure:
			mode, err := ParseAway(v)
			if err != nil {
				return err
			}
			out[k] = mode
		case k == "fan_timer_active" && e.Kind == state.KindThermostat:
			on, err := ParseFan(v)
			if err != nil {
				return err
			}
			out[k] = on
		case k == "hvac_mode" && e.Kind == state.KindThermostat:
			mode, _ := v.(string)
			if !validModes[mode] {
				return fmt.Errorf("%w: hvac mode %v", ErrInvalidValue, v)
			}
			out[k] = mode
		default:
			out[k] = v
		}
	}
	return h.writer.Set(ctx, e.Path(), out)
}
