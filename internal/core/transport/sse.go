package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// SSEDialer opens a text/event-stream connection over plain HTTP.
type SSEDialer struct {
	client *http.Client
	log    *slog.Logger
}

// NewSSEDialer creates an SSE dialer. The client must not carry an overall
// timeout, since the response body stays open indefinitely; redirects are
// never followed automatically so the stream client can observe them.
func NewSSEDialer(client *http.Client, log *slog.Logger) *SSEDialer {
	c := &http.Client{}
	if client != nil {
		*c = *client
	}
	c.Timeout = 0
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &SSEDialer{client: c, log: log}
}

// Dial opens the stream. The connection lives until ctx is cancelled or
// Close is called.
func (d *SSEDialer) Dial(ctx context.Context, url, accessToken string) (Conn, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: new request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	d.log.Debug("opening event stream", "url", url)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, classify(resp, strings.TrimSpace(string(body)))
	}

	d.log.Info("event stream open", "url", url)
	return &sseConn{body: resp.Body, r: bufio.NewReader(resp.Body)}, nil
}

type sseConn struct {
	body io.ReadCloser
	r    *bufio.Reader
}

// Recv reads one event. Fields other than event and data are ignored, as
// are comment lines.
func (c *sseConn) Recv(ctx context.Context) (Event, error) {
	var (
		evt     Event
		data    []string
		hasData bool
	)
	for {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}

		line, err := c.r.ReadString('\n')
		if err != nil {
			return Event{}, fmt.Errorf("transport: read: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if evt.Type == "" && !hasData {
				continue
			}
			if evt.Type == "" {
				evt.Type = "message"
			}
			evt.Data = []byte(strings.Join(data, "\n"))
			return evt, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			evt.Type = value
		case "data":
			data = append(data, value)
			hasData = true
		}
	}
}

func (c *sseConn) Close() error {
	return c.body.Close()
}
