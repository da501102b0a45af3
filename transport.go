package taskdeck

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"nhooyr.io/websocket"
)

// Transport opens one push connection. Channels try their transports in order
// until one dials successfully.
type Transport interface {
	Name() string
	Dial(ctx context.Context, endpoint string, auth DialAuth) (Conn, error)
}

// DialAuth carries the credentials presented while connecting.
type DialAuth struct {
	Identity Identity
	Token    string
}

// Conn is an established push connection. Read is only called from a single
// goroutine; Write may be called concurrently with Read.
type Conn interface {
	Read(ctx context.Context) (Envelope, error)
	Write(ctx context.Context, env Envelope) error
	Close(reason string) error
}

// DefaultTransports returns the standard fallback chain: WebSocket first,
// then server-sent events with HTTP POST upstream.
func DefaultTransports(httpClient *http.Client) []Transport {
	return []Transport{
		&WebSocketTransport{HTTPClient: httpClient},
		&SSETransport{HTTPClient: httpClient},
	}
}

func endpointURL(endpoint, path string, auth DialAuth) (string, error) {
	u, err := url.Parse(strings.TrimRight(endpoint, "/") + path)
	if err != nil {
		return "", fmt.Errorf("invalid realtime endpoint: %w", err)
	}
	q := u.Query()
	q.Set("userId", auth.Identity.ID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func authHeader(auth DialAuth) http.Header {
	h := http.Header{}
	if auth.Token != "" {
		h.Set("Authorization", "Bearer "+auth.Token)
	}
	return h
}

// ============================================================================
// WebSocket
// ============================================================================

// WebSocketTransport connects to <endpoint>/ws.
type WebSocketTransport struct {
	HTTPClient *http.Client
}

func (t *WebSocketTransport) Name() string { return "websocket" }

func (t *WebSocketTransport) Dial(ctx context.Context, endpoint string, auth DialAuth) (Conn, error) {
	wsURL := strings.Replace(endpoint, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	u, err := endpointURL(wsURL, "/ws", auth)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient: t.HTTPClient,
		HTTPHeader: authHeader(auth),
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) (Envelope, error) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return Envelope{}, err
		}
		var env Envelope
		if json.Unmarshal(data, &env) != nil || env.Type == "" {
			continue
		}
		return env, nil
	}
}

func (c *wsConn) Write(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}

// ============================================================================
// Server-Sent Events
// ============================================================================

// SSETransport receives frames from <endpoint>/sse and sends them with
// POST <endpoint>/emit.
type SSETransport struct {
	HTTPClient *http.Client
}

func (t *SSETransport) Name() string { return "sse" }

func (t *SSETransport) client() *http.Client {
	if t.HTTPClient != nil {
		return t.HTTPClient
	}
	return http.DefaultClient
}

func (t *SSETransport) Dial(ctx context.Context, endpoint string, auth DialAuth) (Conn, error) {
	streamURL, err := endpointURL(endpoint, "/sse", auth)
	if err != nil {
		return nil, err
	}
	emitURL, err := endpointURL(endpoint, "/emit", auth)
	if err != nil {
		return nil, err
	}

	// the stream outlives the dial context; Close cancels it
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, streamURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header = authHeader(auth)
	req.Header.Set("Accept", "text/event-stream")

	stop := context.AfterFunc(ctx, cancel)
	resp, err := t.client().Do(req)
	stop()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("SSE connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxSSEFrameSize)
	return &sseConn{
		client:  t.client(),
		emitURL: emitURL,
		header:  authHeader(auth),
		body:    resp.Body,
		scanner: scanner,
		cancel:  cancel,
	}, nil
}

// maxSSEFrameSize bounds a single "data:" line on the SSE stream.
const maxSSEFrameSize = 1 << 20

type sseConn struct {
	client  *http.Client
	emitURL string
	header  http.Header

	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc

	closeOnce sync.Once
}

func (c *sseConn) Read(ctx context.Context) (Envelope, error) {
	stop := context.AfterFunc(ctx, c.cancel)
	defer stop()

	for c.scanner.Scan() {
		line := c.scanner.Text()
		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var env Envelope
		if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env) != nil || env.Type == "" {
			continue
		}
		return env, nil
	}
	if err := c.scanner.Err(); err != nil {
		return Envelope{}, err
	}
	return Envelope{}, io.EOF
}

func (c *sseConn) Write(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.emitURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header = c.header.Clone()
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("SSE emit: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("SSE emit HTTP %d", resp.StatusCode)
	}
	return nil
}

func (c *sseConn) Close(string) error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.body.Close()
	})
	return err
}
