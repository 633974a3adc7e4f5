package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trymwestin/nest/internal/core/device"
	"github.com/trymwestin/nest/internal/core/state"
)

type noopWriter struct{}

func (noopWriter) Set(context.Context, string, map[string]any) error { return nil }

func TestStreamRecorder(t *testing.T) {
	m := New()

	m.SetStreamState("connecting")
	m.SetStreamState("streaming")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.streamState.WithLabelValues("streaming")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.streamState.WithLabelValues("connecting")))

	m.ObserveEvent("put")
	m.ObserveEvent("put")
	m.ObserveEvent("keep-alive")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues("put")))

	m.AddPatches(3)
	m.AddPatches(2)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.patches))

	m.IncReconnects("connection_lost")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnects.WithLabelValues("connection_lost")))

	m.SetEntities(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.entities))

	m.SetAuthState("invalid_token")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.authState.WithLabelValues("invalid_token")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.authState.WithLabelValues("authorized")))
}

func TestObserveHome(t *testing.T) {
	tree := state.NewTree()
	tree.Replace([]state.Entity{
		{ID: "t1", Kind: state.KindThermostat, Attributes: map[string]any{
			"name": "Hallway", "temperature_scale": "C", "ambient_temperature_c": 19.5, "target_temperature_c": 21.0, "humidity": 40.0,
		}},
		{ID: "s1", Kind: state.KindStructure, Attributes: map[string]any{"name": "Home", "away": "away"}},
		{ID: "c1", Kind: state.KindCamera, Attributes: map[string]any{"name": "Porch", "is_streaming": false}},
	})
	m := New()
	m.ObserveHome(device.NewHome(tree, noopWriter{}))

	assert.Equal(t, 19.5, testutil.ToFloat64(m.ambientTemperature.WithLabelValues("t1", "Hallway", "C")))
	assert.Equal(t, 21.0, testutil.ToFloat64(m.targetTemperature.WithLabelValues("t1", "Hallway", "C")))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.humidity.WithLabelValues("t1", "Hallway")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.away.WithLabelValues("s1", "Home")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.cameraStreaming.WithLabelValues("c1", "Porch")))

	tree.Apply(state.Patch{EntityID: "t1", Remove: true})
	m.ObserveHome(device.NewHome(tree, noopWriter{}))
	assert.Equal(t, 0, testutil.CollectAndCount(m.ambientTemperature))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.SetEntities(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "nest_entities 3")
}
