package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trymwestin/nest/internal/core/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type message struct {
	topic    string
	payload  string
	retained bool
}

type fakeClient struct {
	mu           sync.Mutex
	connectErr   error
	connected    bool
	disconnected bool
	messages     []message
	subscribed   []string
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Connect() pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr == nil {
		c.connected = true
	}
	return doneToken{err: c.connectErr}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnected = true
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, message{topic: topic, payload: payload.(string), retained: retained})
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, topic)
	return doneToken{}
}

func (c *fakeClient) take() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.messages
	c.messages = nil
	return out
}

func (c *fakeClient) find(topic string) (message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].topic == topic {
			return c.messages[i], true
		}
	}
	return message{}, false
}

type setCall struct {
	id     string
	values map[string]any
}

type fakeWriter struct {
	mu    sync.Mutex
	calls []setCall
	err   error
}

func (w *fakeWriter) Set(_ context.Context, id string, values map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, setCall{id: id, values: values})
	return w.err
}

func newTestBridge(t *testing.T) (*Bridge, *state.Tree, *fakeClient, *fakeWriter) {
	t.Helper()
	tree := state.NewTree()
	tree.Replace([]state.Entity{
		{ID: "t1", Kind: state.KindThermostat, Attributes: map[string]any{"name": "Hallway", "ambient_temperature_c": 20.0}},
		{ID: "s1", Kind: state.KindStructure, Attributes: map[string]any{"name": "Home", "away": "home"}},
		{ID: state.MetadataID, Kind: state.KindMetadata, Attributes: map[string]any{"client_version": 1.0}},
	})
	w := &fakeWriter{}
	b := NewBridge(Config{TopicPrefix: "nest"}, tree, w, state.NewSignal(), state.NewEventBus(testLogger()), testLogger())
	c := &fakeClient{connected: true}
	b.client = c
	return b, tree, c, w
}

func topics(msgs []message) map[string]message {
	out := make(map[string]message, len(msgs))
	for _, m := range msgs {
		out[m.topic] = m
	}
	return out
}

func TestSyncPublishesChangedEntities(t *testing.T) {
	b, tree, c, _ := newTestBridge(t)

	b.sync()
	first := topics(c.take())

	require.Contains(t, first, "nest/t1/state")
	require.Contains(t, first, "nest/s1/state")
	assert.NotContains(t, first, "nest/metadata/state")
	assert.True(t, first["nest/t1/state"].retained)
	assert.JSONEq(t, `{"name":"Hallway","ambient_temperature_c":20}`, first["nest/t1/state"].payload)

	assert.Contains(t, first, "homeassistant/sensor/nest_t1_temperature/config")
	assert.Contains(t, first, "homeassistant/switch/nest_s1_away/config")

	b.sync()
	assert.Empty(t, c.take(), "nothing changed")

	tree.Apply(state.Patch{EntityID: "t1", Attributes: map[string]any{"ambient_temperature_c": 21.0}})
	b.sync()
	second := c.take()
	require.Len(t, second, 1, "only the changed entity, no repeated discovery")
	assert.Equal(t, "nest/t1/state", second[0].topic)

	tree.Apply(state.Patch{EntityID: "s1", Remove: true})
	b.sync()
	third := c.take()
	require.Len(t, third, 1)
	assert.Equal(t, message{topic: "nest/s1/state", payload: "", retained: true}, third[0])
}

func TestDiscoveryConfigRoutesCommands(t *testing.T) {
	b, _, _, _ := newTestBridge(t)

	cfgs := b.discoveryConfigs(state.Entity{ID: "c1", Kind: state.KindCamera, Attributes: map[string]any{"name": "Porch"}})
	require.Len(t, cfgs, 1)
	assert.Equal(t, "switch", cfgs[0].component)
	assert.Equal(t, "nest/c1/set", cfgs[0].payload["command_topic"])
	assert.Equal(t, "nest/c1/state", cfgs[0].payload["state_topic"])
	assert.Equal(t, `{"is_streaming":true}`, cfgs[0].payload["payload_on"])

	therm := b.discoveryConfigs(state.Entity{ID: "t9", Kind: state.KindThermostat, Attributes: map[string]any{"temperature_scale": "F"}})
	require.Len(t, therm, 3)
	assert.Equal(t, "°F", therm[0].payload["unit_of_measurement"])
	assert.Equal(t, "{{ value_json.ambient_temperature_f }}", therm[0].payload["value_template"])

	assert.Empty(t, b.discoveryConfigs(state.Entity{ID: state.MetadataID, Kind: state.KindMetadata}))
}

func TestEntityFromSetTopic(t *testing.T) {
	b, _, _, _ := newTestBridge(t)

	tests := []struct {
		topic string
		id    string
		ok    bool
	}{
		{"nest/t1/set", "t1", true},
		{"nest/t1/state", "", false},
		{"other/t1/set", "", false},
		{"nest//set", "", false},
		{"nest/a/b/set", "", false},
	}
	for _, tt := range tests {
		id, ok := b.entityFromSetTopic(tt.topic)
		assert.Equal(t, tt.ok, ok, tt.topic)
		assert.Equal(t, tt.id, id, tt.topic)
	}
}

func TestHandleSetRelaysToWriter(t *testing.T) {
	b, _, _, w := newTestBridge(t)

	b.handleSet("nest/s1/set", []byte(`{"away":"away"}`))
	b.handleSet("nest/s1/set", []byte(`not json`))
	b.handleSet("nest/status", []byte(`{"away":"away"}`))

	require.Len(t, w.calls, 1)
	assert.Equal(t, setCall{id: "s1", values: map[string]any{"away": "away"}}, w.calls[0])

	w.err = errors.New("write failed")
	b.handleSet("nest/t1/set", []byte(`{"fan_timer_active":true}`))
	assert.Len(t, w.calls, 2, "errors are logged, not retried")
}

func TestBridgeLifecycle(t *testing.T) {
	tree := state.NewTree()
	signal := state.NewSignal()
	bus := state.NewEventBus(testLogger())
	b := NewBridge(Config{}, tree, &fakeWriter{}, signal, bus, testLogger())
	c := &fakeClient{}

	require.NoError(t, b.start(context.Background(), c))

	tree.Replace([]state.Entity{{ID: "c1", Kind: state.KindCamera, Attributes: map[string]any{"is_streaming": true}}})
	signal.Raise()
	require.Eventually(t, func() bool {
		m, ok := c.find("nest/c1/state")
		if !ok {
			return false
		}
		var attrs map[string]any
		return json.Unmarshal([]byte(m.payload), &attrs) == nil && attrs["is_streaming"] == true
	}, 2*time.Second, 5*time.Millisecond)

	bus.StreamState("streaming")
	require.Eventually(t, func() bool {
		m, ok := c.find("nest/stream/state")
		return ok && m.payload == "streaming"
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, b.Stop(context.Background()))
	m, ok := c.find("nest/status")
	require.True(t, ok)
	assert.Equal(t, "offline", m.payload)
	assert.True(t, c.disconnected)
}

func TestBridgeConnectError(t *testing.T) {
	b := NewBridge(Config{}, state.NewTree(), &fakeWriter{}, state.NewSignal(), state.NewEventBus(testLogger()), testLogger())
	err := b.start(context.Background(), &fakeClient{connectErr: errors.New("refused")})
	assert.ErrorContains(t, err, "refused")
}

func TestStubPublisher(t *testing.T) {
	s := NewStubPublisher(testLogger())
	assert.NoError(t, s.Start(context.Background()))
	assert.NoError(t, s.Stop(context.Background()))
}
