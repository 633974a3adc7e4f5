package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	wsPongWait     = 60 * time.Second
	wsPingInterval = 25 * time.Second
)

// WSDialer connects to a WebSocket relay that re-publishes the stream
// events as frames. Text frames hold JSON {"event": .., "data": ..};
// binary frames hold the same object as a protobuf Struct.
type WSDialer struct {
	log *slog.Logger
}

// NewWSDialer creates a WebSocket dialer.
func NewWSDialer(log *slog.Logger) *WSDialer {
	return &WSDialer{log: log}
}

// Dial connects to the relay. http(s) URLs are converted to ws(s).
func (d *WSDialer) Dial(ctx context.Context, url, accessToken string) (Conn, error) {
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+accessToken)

	d.log.Debug("dialing websocket relay", "url", url)

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			var body []byte
			if resp.Body != nil {
				body, _ = io.ReadAll(io.LimitReader(resp.Body, 4096))
				resp.Body.Close()
			}
			return nil, classify(resp, strings.TrimSpace(string(body)))
		}
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}

	d.log.Info("websocket relay connected", "url", url)
	return newWSConn(ctx, ws, d.log), nil
}

type wsConn struct {
	ws     *websocket.Conn
	mu     sync.Mutex // protects writes
	log    *slog.Logger
	cancel context.CancelFunc
	once   sync.Once
}

func newWSConn(ctx context.Context, ws *websocket.Conn, log *slog.Logger) *wsConn {
	ctx, cancel := context.WithCancel(ctx)
	c := &wsConn{ws: ws, log: log, cancel: cancel}

	ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go c.keepalive(ctx)
	return c
}

// keepalive pings the relay and closes the socket once ctx ends so a blocked
// read returns.
func (c *wsConn) keepalive(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Close()
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(5*time.Second))
			c.mu.Unlock()
			if err != nil {
				c.log.Warn("websocket ping failed", "error", err)
				c.Close()
				return
			}
		}
	}
}

type wsFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (c *wsConn) Recv(_ context.Context) (Event, error) {
	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		return Event{}, fmt.Errorf("transport: read: %w", err)
	}
	c.ws.SetReadDeadline(time.Now().Add(wsPongWait))

	switch msgType {
	case websocket.TextMessage:
		var f wsFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return Event{}, fmt.Errorf("transport: decode frame: %w", err)
		}
		return Event{Type: f.Event, Data: f.Data}, nil

	case websocket.BinaryMessage:
		return decodeStructFrame(data)

	default:
		return Event{}, fmt.Errorf("transport: unexpected message type %d", msgType)
	}
}

func decodeStructFrame(data []byte) (Event, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return Event{}, fmt.Errorf("transport: unmarshal: %w", err)
	}

	fields := s.GetFields()
	evt := Event{Type: fields["event"].GetStringValue()}
	if v, ok := fields["data"]; ok {
		raw, err := json.Marshal(v.AsInterface())
		if err != nil {
			return Event{}, fmt.Errorf("transport: re-encode data: %w", err)
		}
		evt.Data = raw
	}
	return evt, nil
}

// EncodeStructFrame builds a binary frame for evtType carrying data. Relays
// and tests use it to produce frames the WSDialer understands.
func EncodeStructFrame(evtType string, data any) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]any{"event": evtType, "data": data})
	if err != nil {
		return nil, fmt.Errorf("transport: build frame: %w", err)
	}
	return proto.Marshal(s)
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.ws.Close()
	})
	return err
}
