package driftsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConfig defines the websocket transport.
type WebSocketConfig struct {
	// URL is the sync server endpoint (ws:// or wss://). Required.
	URL string

	// Header is sent with the handshake, for auth tokens and the like.
	// The client and session ids are always added.
	Header http.Header

	// Compression enables snappy compression of outbound frames. Inbound
	// frames are handled by their flag byte either way.
	Compression bool

	// DialTimeout bounds one connection attempt. Default: 10s.
	DialTimeout time.Duration

	// WriteTimeout bounds one frame or ping write. A stalled write drops
	// the connection. Default: 10s.
	WriteTimeout time.Duration

	// PingInterval is how often a ping probes an idle connection.
	// Default: 30s.
	PingInterval time.Duration

	// PollInterval, when positive, forces a sync pass at that cadence
	// even with nothing dirty, for servers that do not push. Default:
	// disabled.
	PollInterval time.Duration

	// Debounce coalesces bursts of local updates into one outbound pass.
	// Zero sends immediately. Default: 150ms.
	Debounce time.Duration

	// Retry shapes the reconnect backoff. Only the backoff fields are
	// used; a transport retries connecting forever.
	Retry RetryConfig

	// Logger receives transport events. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultWebSocketConfig returns a websocket transport config for url with
// every tunable at its default.
func DefaultWebSocketConfig(url string) WebSocketConfig {
	return WebSocketConfig{
		URL:          url,
		DialTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		Debounce:     150 * time.Millisecond,
		Retry:        DefaultRetryConfig(),
	}
}

func (c WebSocketConfig) withDefaults() WebSocketConfig {
	def := DefaultWebSocketConfig(c.URL)
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.Retry.InitialBackoff <= 0 {
		c.Retry.InitialBackoff = def.Retry.InitialBackoff
	}
	if c.Retry.MaxBackoff <= 0 {
		c.Retry.MaxBackoff = def.Retry.MaxBackoff
	}
	if c.Retry.BackoffMultiplier <= 0 {
		c.Retry.BackoffMultiplier = def.Retry.BackoffMultiplier
	}
	return c
}

// WebSocketNetwork returns a factory for the websocket transport: a
// persistent connection that pushes dirty state after a debounce, applies
// whatever the server sends, and reconnects with exponential backoff. On
// every (re)connect it forces a full outbound pass so each collection
// re-announces its cursor and the server replays anything missed.
func WebSocketNetwork(cfg WebSocketConfig) NetworkFactory {
	return func(binding NetworkBinding) (Network, error) {
		if cfg.URL == "" {
			return nil, errors.New("websocket: URL is required")
		}
		cfg = cfg.withDefaults()
		if cfg.Logger == nil {
			cfg.Logger = slog.Default()
		}

		ctx, cancel := context.WithCancel(context.Background())
		t := &wsTransport{
			cfg:     cfg,
			binding: binding,
			codec:   FrameCodec{Compress: cfg.Compression},
			logger:  cfg.Logger.With("transport", "websocket", "session", binding.Session),
			ctx:     ctx,
			cancel:  cancel,
			dirty:   make(chan struct{}, 1),
			status:  newStatusHub(),
			done:    make(chan struct{}),
		}
		go t.run()
		return t, nil
	}
}

type wsTransport struct {
	cfg     WebSocketConfig
	binding NetworkBinding
	codec   FrameCodec
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	dirty  chan struct{}
	status *statusHub
	done   chan struct{}
}

func (t *wsTransport) SetDirty() {
	select {
	case t.dirty <- struct{}{}:
	default:
	}
}

func (t *wsTransport) OnSyncStatus(fn func(SyncStatus)) func() {
	return t.status.Subscribe(fn)
}

func (t *wsTransport) SyncStatus() SyncStatus {
	return t.status.Get()
}

func (t *wsTransport) Close() error {
	t.cancel()
	<-t.done
	return nil
}

// run is the connection supervisor: dial, serve until the connection
// fails, back off, dial again. It only returns when the transport closes.
func (t *wsTransport) run() {
	defer close(t.done)

	attempt := 0
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		t.status.setState(SyncStateConnecting, nil)
		conn, err := t.dial()
		if err != nil {
			attempt++
			backoff := addJitter(computeBackoff(attempt,
				t.cfg.Retry.InitialBackoff, t.cfg.Retry.MaxBackoff, t.cfg.Retry.BackoffMultiplier),
				t.cfg.Retry.Jitter)
			t.status.setState(SyncStateOffline, err)
			t.logger.Debug("dial failed", "attempt", attempt, "backoff", backoff, "err", err)
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		attempt = 0
		t.status.setState(SyncStateOnline, nil)
		t.logger.Debug("connected", "url", t.cfg.URL)

		err = t.serve(conn)
		_ = conn.Close()
		if t.ctx.Err() != nil {
			t.status.setState(SyncStateOffline, nil)
			return
		}
		t.status.setState(SyncStateOffline, err)
		t.logger.Debug("connection lost", "err", err)

		// A served connection resets the backoff, but never redial
		// instantly: a server that accepts and immediately drops would
		// otherwise be hammered.
		select {
		case <-t.ctx.Done():
			return
		case <-time.After(addJitter(t.cfg.Retry.InitialBackoff, t.cfg.Retry.Jitter)):
		}
	}
}

func (t *wsTransport) dial() (*websocket.Conn, error) {
	header := http.Header{}
	for k, v := range t.cfg.Header {
		header[k] = v
	}
	header.Set("X-Driftsync-Client", string(t.binding.Client))
	header.Set("X-Driftsync-Session", t.binding.Session)

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.DialTimeout}
	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.DialTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("dial %s: %s: %w", t.cfg.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", t.cfg.URL, err)
	}
	return conn, nil
}

// serve owns one live connection. All writes happen on this goroutine;
// the read loop only reads. Any returned error drops the connection and
// the replay-on-reconnect path takes care of consistency.
func (t *wsTransport) serve(conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(t.ctx)
	defer cancel()

	// Re-announce every collection so the server replays from our
	// cursors and the pending queue flushes.
	if err := t.syncPass(ctx, conn, true); err != nil {
		return err
	}

	readErr := make(chan error, 1)
	go func() {
		readErr <- t.readLoop(ctx, conn)
	}()

	ping := time.NewTicker(t.cfg.PingInterval)
	defer ping.Stop()

	var pollC <-chan time.Time
	if t.cfg.PollInterval > 0 {
		poll := time.NewTicker(t.cfg.PollInterval)
		defer poll.Stop()
		pollC = poll.C
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return nil

		case err := <-readErr:
			return err

		case <-t.dirty:
			if t.cfg.Debounce <= 0 {
				if err := t.syncPass(ctx, conn, false); err != nil {
					return err
				}
				continue
			}
			if debounce == nil {
				debounce = time.After(t.cfg.Debounce)
			}

		case <-debounce:
			debounce = nil
			if err := t.syncPass(ctx, conn, false); err != nil {
				return err
			}

		case <-pollC:
			if err := t.syncPass(ctx, conn, false); err != nil {
				return err
			}

		case <-ping.C:
			deadline := time.Now().Add(t.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// readLoop decodes and applies server frames until the connection breaks.
// A frame that does not decode is logged and skipped; a frame that does
// not apply returns an error so the connection drops and the server
// replays from the re-announced cursors.
func (t *wsTransport) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.BinaryMessage {
			t.logger.Debug("ignoring non-binary message", "type", msgType)
			continue
		}

		msgs, err := t.codec.DecodeServerFrame(frame)
		if err != nil {
			t.logger.Warn("dropping undecodable frame", "bytes", len(frame), "err", err)
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		if err := t.binding.ConsumeInbound(ctx, msgs); err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return fmt.Errorf("apply inbound: %w", err)
		}
		t.status.touchLastSync()
	}
}

// syncPass asks the engine for the messages it owes the server and writes
// them as one frame. Nothing owed, nothing written.
func (t *wsTransport) syncPass(ctx context.Context, conn *websocket.Conn, reconnected bool) error {
	msgs, err := t.binding.ProduceOutbound(ctx, reconnected)
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return nil
		}
		return fmt.Errorf("build outbound: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	frame, err := t.codec.EncodeFrame(msgs)
	if err != nil {
		return fmt.Errorf("encode outbound: %w", err)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout)); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	t.status.touchLastSync()
	t.logger.Debug("sent sync frame",
		"messages", len(msgs), "bytes", len(frame), "reconnected", reconnected)
	return nil
}
