// Package mqtt mirrors the state tree to an MQTT broker and relays writes
// published by other clients. It defines the Publisher interface and includes
// both a StubPublisher (no-op) and a Bridge that publishes Home Assistant
// discovery configs, one retained state topic per entity, and the stream and
// auth state from the EventBus.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/trymwestin/nest/internal/core/state"
)

// ---------------------------------------------------------------------------
// Publisher interface
// ---------------------------------------------------------------------------

// Publisher sends state to an MQTT broker.
type Publisher interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// StubPublisher is a no-op publisher for when MQTT is not configured.
type StubPublisher struct {
	log *slog.Logger
}

// NewStubPublisher creates a no-op MQTT publisher.
func NewStubPublisher(log *slog.Logger) *StubPublisher {
	return &StubPublisher{log: log}
}

func (s *StubPublisher) Start(_ context.Context) error {
	s.log.Info("MQTT bridge disabled (stub)")
	return nil
}

func (s *StubPublisher) Stop(_ context.Context) error { return nil }

var (
	_ Publisher = (*StubPublisher)(nil)
	_ Publisher = (*Bridge)(nil)
)

// ---------------------------------------------------------------------------
// Configuration and collaborators
// ---------------------------------------------------------------------------

// Config holds broker configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// TreeReader is the read side of the state tree.
type TreeReader interface {
	Snapshot() map[string]state.Entity
}

// EntityWriter writes attributes to an entity by id.
type EntityWriter interface {
	Set(ctx context.Context, id string, values map[string]any) error
}

// client is the subset of the paho client the bridge uses.
type client interface {
	IsConnected() bool
	Connect() pahomqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
}

// ---------------------------------------------------------------------------
// Bridge
// ---------------------------------------------------------------------------

// Bridge mirrors entities to retained topics and relays <prefix>/<id>/set
// payloads into the command path.
type Bridge struct {
	cfg    Config
	tree   TreeReader
	writer EntityWriter
	signal *state.Signal
	bus    *state.EventBus
	log    *slog.Logger

	client client

	mu        sync.Mutex
	published map[string]map[string]any
	announced map[string]bool

	unsub  func()
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBridge creates a bridge. Start connects it.
func NewBridge(cfg Config, tree TreeReader, writer EntityWriter, signal *state.Signal, bus *state.EventBus, log *slog.Logger) *Bridge {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "nest"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "nestd"
	}
	return &Bridge{
		cfg:       cfg,
		tree:      tree,
		writer:    writer,
		signal:    signal,
		bus:       bus,
		log:       log,
		published: make(map[string]map[string]any),
		announced: make(map[string]bool),
	}
}

// Start connects to the broker and starts the mirror and event loops.
func (b *Bridge) Start(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(b.cfg.ClientID).
		SetUsername(b.cfg.Username).
		SetPassword(b.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(b.topic("status"), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.log.Info("MQTT connected, publishing discovery and state")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.log.Warn("MQTT connection lost", "error", err)
		})

	return b.start(ctx, pahomqtt.NewClient(opts))
}

func (b *Bridge) start(ctx context.Context, c client) error {
	b.client = c

	token := c.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	evtCh, unsub := b.bus.Subscribe(64)
	b.unsub = unsub

	b.wg.Add(2)
	go b.eventLoop(ctx, evtCh)
	go b.mirrorLoop(ctx)

	b.log.Info("MQTT bridge started", "broker", b.cfg.Broker)
	return nil
}

// Stop publishes offline, stops the loops and disconnects.
func (b *Bridge) Stop(_ context.Context) error {
	b.log.Info("MQTT bridge stopping")
	if b.cancel != nil {
		b.cancel()
	}
	if b.unsub != nil {
		b.unsub()
	}
	b.wg.Wait()

	if b.client != nil && b.client.IsConnected() {
		b.publish(b.topic("status"), "offline", true)
		b.client.Disconnect(1000)
	}
	b.log.Info("MQTT bridge stopped")
	return nil
}

// onConnect runs on every (re)connect.
func (b *Bridge) onConnect() {
	b.publish(b.topic("status"), "online", true)

	token := b.client.Subscribe(b.topic("+/set"), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleSet(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		b.log.Error("failed to subscribe to set topics", "error", err)
	}

	b.client.Subscribe("homeassistant/status", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if string(msg.Payload()) == "online" {
			b.log.Info("Home Assistant came online, re-publishing discovery")
			b.republish()
		}
	})

	b.republish()
}

// republish forgets what was sent and mirrors the whole tree again.
func (b *Bridge) republish() {
	b.mu.Lock()
	b.published = make(map[string]map[string]any)
	b.announced = make(map[string]bool)
	b.mu.Unlock()
	b.sync()
}

// ---------------------------------------------------------------------------
// Mirroring
// ---------------------------------------------------------------------------

func (b *Bridge) mirrorLoop(ctx context.Context) {
	defer b.wg.Done()

	seq := b.signal.Seq()
	b.sync()
	for {
		next, changed := b.signal.WaitSince(ctx, seq, 0)
		if ctx.Err() != nil {
			return
		}
		if changed {
			seq = next
			b.sync()
		}
	}
}

// sync publishes entities whose attributes changed since the last publish and
// clears the retained topic of entities that disappeared.
func (b *Bridge) sync() {
	snap := b.tree.Snapshot()

	b.mu.Lock()
	var changed []state.Entity
	var newlySeen []state.Entity
	for id, e := range snap {
		if e.Kind == state.KindMetadata {
			continue
		}
		if prev, ok := b.published[id]; ok && reflect.DeepEqual(prev, e.Attributes) {
			continue
		}
		b.published[id] = e.Attributes
		changed = append(changed, e)
		if !b.announced[id] {
			b.announced[id] = true
			newlySeen = append(newlySeen, e)
		}
	}
	var removed []string
	for id := range b.published {
		if _, ok := snap[id]; !ok {
			delete(b.published, id)
			delete(b.announced, id)
			removed = append(removed, id)
		}
	}
	b.mu.Unlock()

	for _, e := range newlySeen {
		b.publishDiscovery(e)
	}
	for _, e := range changed {
		data, err := json.Marshal(e.Attributes)
		if err != nil {
			b.log.Error("failed to marshal entity state", "id", e.ID, "error", err)
			continue
		}
		b.publish(b.topic(e.ID+"/state"), string(data), true)
	}
	for _, id := range removed {
		// An empty retained payload deletes the retained message.
		b.publish(b.topic(id+"/state"), "", true)
	}
}

// ---------------------------------------------------------------------------
// Discovery configs
// ---------------------------------------------------------------------------

func discoveryTopic(component, objectID string) string {
	return fmt.Sprintf("homeassistant/%s/%s/config", component, objectID)
}

type discoveryConfig struct {
	component string
	objectID  string
	payload   map[string]any
}

// discoveryConfigs returns the Home Assistant entities exposed for e.
func (b *Bridge) discoveryConfigs(e state.Entity) []discoveryConfig {
	name, _ := e.Attributes["name"].(string)
	if name == "" {
		name = e.ID
	}
	dev := map[string]any{
		"identifiers":  []string{"nest_" + e.ID},
		"name":         "Nest " + name,
		"manufacturer": "Nest",
		"model":        string(e.Kind),
	}
	base := func(suffix, title string) map[string]any {
		return map[string]any{
			"name":         fmt.Sprintf("Nest %s %s", name, title),
			"unique_id":    fmt.Sprintf("nest_%s_%s", e.ID, suffix),
			"state_topic":  b.topic(e.ID + "/state"),
			"device":       dev,
			"availability": map[string]any{"topic": b.topic("status")},
		}
	}
	set := b.topic(e.ID + "/set")

	switch e.Kind {
	case state.KindThermostat:
		scale, _ := e.Attributes["temperature_scale"].(string)
		if !strings.EqualFold(scale, "F") {
			scale = "C"
		}
		key := strings.ToLower(scale)
		temp := base("ambient_temperature", "Temperature")
		temp["value_template"] = fmt.Sprintf("{{ value_json.ambient_temperature_%s }}", key)
		temp["unit_of_measurement"] = "°" + strings.ToUpper(scale)
		temp["device_class"] = "temperature"
		temp["state_class"] = "measurement"

		hum := base("humidity", "Humidity")
		hum["value_template"] = "{{ value_json.humidity }}"
		hum["unit_of_measurement"] = "%"
		hum["device_class"] = "humidity"
		hum["state_class"] = "measurement"

		fan := base("fan", "Fan")
		fan["command_topic"] = set
		fan["value_template"] = "{{ 'ON' if value_json.fan_timer_active else 'OFF' }}"
		fan["payload_on"] = `{"fan_timer_active":true}`
		fan["payload_off"] = `{"fan_timer_active":false}`
		fan["state_on"] = "ON"
		fan["state_off"] = "OFF"

		return []discoveryConfig{
			{"sensor", "nest_" + e.ID + "_temperature", temp},
			{"sensor", "nest_" + e.ID + "_humidity", hum},
			{"switch", "nest_" + e.ID + "_fan", fan},
		}

	case state.KindStructure:
		away := base("away", "Away")
		away["command_topic"] = set
		away["value_template"] = "{{ 'ON' if value_json.away == 'away' else 'OFF' }}"
		away["payload_on"] = `{"away":"away"}`
		away["payload_off"] = `{"away":"home"}`
		away["state_on"] = "ON"
		away["state_off"] = "OFF"
		return []discoveryConfig{{"switch", "nest_" + e.ID + "_away", away}}

	case state.KindCamera:
		stream := base("streaming", "Streaming")
		stream["command_topic"] = set
		stream["value_template"] = "{{ 'ON' if value_json.is_streaming else 'OFF' }}"
		stream["payload_on"] = `{"is_streaming":true}`
		stream["payload_off"] = `{"is_streaming":false}`
		stream["state_on"] = "ON"
		stream["state_off"] = "OFF"
		return []discoveryConfig{{"switch", "nest_" + e.ID + "_streaming", stream}}

	case state.KindSmokeCOAlarm:
		smoke := base("smoke", "Smoke")
		smoke["value_template"] = "{{ value_json.smoke_alarm_state }}"
		co := base("co", "CO")
		co["value_template"] = "{{ value_json.co_alarm_state }}"
		return []discoveryConfig{
			{"sensor", "nest_" + e.ID + "_smoke", smoke},
			{"sensor", "nest_" + e.ID + "_co", co},
		}
	}
	return nil
}

func (b *Bridge) publishDiscovery(e state.Entity) {
	for _, dc := range b.discoveryConfigs(e) {
		data, err := json.Marshal(dc.payload)
		if err != nil {
			b.log.Error("failed to marshal discovery config", "component", dc.component, "object_id", dc.objectID, "error", err)
			continue
		}
		b.publish(discoveryTopic(dc.component, dc.objectID), string(data), true)
	}
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// entityFromSetTopic extracts <id> from <prefix>/<id>/set.
func (b *Bridge) entityFromSetTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, b.cfg.TopicPrefix+"/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/set")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func (b *Bridge) handleSet(topic string, payload []byte) {
	id, ok := b.entityFromSetTopic(topic)
	if !ok {
		b.log.Warn("ignoring message on unexpected topic", "topic", topic)
		return
	}

	var values map[string]any
	if err := json.Unmarshal(payload, &values); err != nil {
		b.log.Error("invalid set payload", "id", id, "payload", string(payload), "error", err)
		return
	}

	b.log.Info("MQTT command", "id", id, "attributes", len(values))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.writer.Set(ctx, id, values); err != nil {
		b.log.Error("failed to write attributes", "id", id, "error", err)
	}
}

// ---------------------------------------------------------------------------
// EventBus loop
// ---------------------------------------------------------------------------

func (b *Bridge) eventLoop(ctx context.Context, ch <-chan state.Event) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			b.handleEvent(evt)
		}
	}
}

func (b *Bridge) handleEvent(evt state.Event) {
	switch evt.Type {
	case state.EventStreamState:
		b.publish(b.topic("stream/state"), fmt.Sprint(evt.Data), true)
	case state.EventAuthState:
		b.publish(b.topic("auth/state"), fmt.Sprint(evt.Data), true)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// topic builds a full topic path: {prefix}/{suffix}.
func (b *Bridge) topic(suffix string) string {
	return b.cfg.TopicPrefix + "/" + suffix
}

// publish is a convenience wrapper that publishes a message and logs errors.
func (b *Bridge) publish(topic, payload string, retained bool) {
	if b.client == nil || !b.client.IsConnected() {
		return
	}
	token := b.client.Publish(topic, 1, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		b.log.Error("mqtt publish failed", "topic", topic, "error", err)
	}
}
