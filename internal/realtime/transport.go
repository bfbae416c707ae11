package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Frame is the wire unit on the realtime channel.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Conn is one live transport-level connection.
type Conn interface {
	ReadFrame(ctx context.Context) (Frame, error)
	Close() error
}

// Transport dials the realtime endpoint and performs the token
// handshake. The manager negotiates transports in order and uses the
// first that connects.
type Transport interface {
	Name() string
	Connect(ctx context.Context, rawURL, token string) (Conn, error)
}

const (
	TransportWebsocket = "websocket"
	TransportPolling   = "polling"
)

func DefaultTransports() []Transport {
	return []Transport{
		WebsocketTransport{},
		PollingTransport{},
	}
}

type handshakePayload struct {
	Token string `json:"token"`
}

// WebsocketTransport speaks JSON frames over a websocket. The first
// message after dialing is the handshake payload carrying the token.
type WebsocketTransport struct {
	HTTPClient *http.Client
}

func (t WebsocketTransport) Name() string {
	return TransportWebsocket
}

func (t WebsocketTransport) Connect(ctx context.Context, rawURL, token string) (Conn, error) {
	opts := &websocket.DialOptions{}
	if t.HTTPClient != nil {
		opts.HTTPClient = t.HTTPClient
	}
	conn, _, err := websocket.Dial(ctx, rawURL, opts)
	if err != nil {
		return nil, err
	}
	if err := wsjson.Write(ctx, conn, handshakePayload{Token: token}); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, err
	}
	return &websocketConn{conn: conn}, nil
}

type websocketConn struct {
	conn *websocket.Conn
}

func (c *websocketConn) ReadFrame(ctx context.Context) (Frame, error) {
	var frame Frame
	if err := wsjson.Read(ctx, c.conn, &frame); err != nil {
		return Frame{}, err
	}
	return frame, nil
}

func (c *websocketConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// PollingTransport is the fallback: repeated HTTP long-poll requests
// that each return an array of frames. The token travels in the
// Authorization header of every poll.
type PollingTransport struct {
	HTTPClient   *http.Client
	PollInterval time.Duration
}

func (t PollingTransport) Name() string {
	return TransportPolling
}

func (t PollingTransport) Connect(ctx context.Context, rawURL, token string) (Conn, error) {
	httpClient := t.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 35 * time.Second}
	}
	pollInterval := t.PollInterval
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	pollURL, err := buildPollURL(rawURL)
	if err != nil {
		return nil, err
	}
	conn := &pollingConn{
		url:          pollURL,
		token:        token,
		httpClient:   httpClient,
		pollInterval: pollInterval,
	}
	// Verify the endpoint accepts us before reporting a live
	// connection; buffered frames from this probe are kept.
	frames, err := conn.poll(ctx)
	if err != nil {
		return nil, err
	}
	conn.buffer = frames
	return conn, nil
}

func buildPollURL(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	}
	query := parsed.Query()
	query.Set("transport", TransportPolling)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

type pollingConn struct {
	url          string
	token        string
	httpClient   *http.Client
	pollInterval time.Duration
	buffer       []Frame
	closed       atomic.Bool
}

var errPollingClosed = errors.New("polling connection closed")

func (c *pollingConn) ReadFrame(ctx context.Context) (Frame, error) {
	for {
		if c.closed.Load() {
			return Frame{}, errPollingClosed
		}
		if len(c.buffer) > 0 {
			frame := c.buffer[0]
			c.buffer = c.buffer[1:]
			return frame, nil
		}
		frames, err := c.poll(ctx)
		if err != nil {
			return Frame{}, err
		}
		c.buffer = frames
		if len(c.buffer) == 0 {
			select {
			case <-ctx.Done():
				return Frame{}, ctx.Err()
			case <-time.After(c.pollInterval):
			}
		}
	}
}

func (c *pollingConn) poll(ctx context.Context) ([]Frame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("poll failed: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if len(body) == 0 {
		return nil, nil
	}
	var frames []Frame
	if err := json.Unmarshal(body, &frames); err != nil {
		return nil, err
	}
	return frames, nil
}

func (c *pollingConn) Close() error {
	c.closed.Store(true)
	return nil
}
