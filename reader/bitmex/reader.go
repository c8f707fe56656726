package bitmex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	appconfig "bitmexflow/config"
	"bitmexflow/logger"
	"bitmexflow/models"
)

// FrameHandler consumes one text frame at a time on the reader goroutine.
// A returned error ends the connection.
type FrameHandler interface {
	Handle(frame []byte) error
}

type Option func(*Reader)

// WithUserAgent sets the User-Agent header sent with the websocket handshake.
func WithUserAgent(agent string) Option {
	return func(r *Reader) { r.header.Set("User-Agent", agent) }
}

// Reader holds one websocket connection to the BitMEX realtime feed. It
// subscribes once, keeps the connection alive with pings and hands every text
// frame to the handler in arrival order. It does not reconnect.
type Reader struct {
	cfg     appconfig.BitmexSourceConfig
	tables  []models.Table
	handler FrameHandler
	header  http.Header
	log     *logger.Log

	mu      sync.Mutex
	running bool
	session string
	done    chan struct{}
	err     error
	frames  int64
}

func NewReader(cfg appconfig.BitmexSourceConfig, handler FrameHandler, opts ...Option) (*Reader, error) {
	tables, err := cfg.SubscribeTables()
	if err != nil {
		return nil, err
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("no tables to subscribe")
	}
	r := &Reader{
		cfg:     cfg,
		tables:  tables,
		handler: handler,
		header:  http.Header{},
		log:     logger.GetLogger(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Start dials the feed, sends the subscription and starts the read loop.
// Dial and subscribe failures are returned directly; later failures are
// reported through Err once Done is closed. Cancelling ctx closes the
// connection.
func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("bitmex reader already running")
	}
	r.running = true
	r.session = uuid.NewString()
	r.mu.Unlock()

	log := r.log.WithComponent("bitmex_reader").WithFields(logger.Fields{
		"session": r.session,
		"url":     r.cfg.URL,
	})

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: r.cfg.HandshakeTimeout,
		ReadBufferSize:   r.cfg.ReadBufferBytes,
	}
	conn, resp, err := dialer.DialContext(ctx, r.cfg.URL, r.header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("dial %s: %w (status %d)", r.cfg.URL, err, resp.StatusCode)
		} else {
			err = fmt.Errorf("dial %s: %w", r.cfg.URL, err)
		}
		log.WithError(err).Error("failed to connect websocket")
		r.finish(err)
		return err
	}
	if r.cfg.ReadLimitBytes > 0 {
		conn.SetReadLimit(r.cfg.ReadLimitBytes)
	}

	sub := models.NewSubscribeRequest(r.tables...)
	payload, err := json.Marshal(sub)
	if err == nil {
		err = conn.WriteMessage(websocket.TextMessage, payload)
	}
	if err != nil {
		conn.Close()
		err = fmt.Errorf("send subscribe: %w", err)
		log.WithError(err).Error("failed to subscribe")
		r.finish(err)
		return err
	}
	log.WithFields(logger.Fields{"tables": sub.Args}).Info("connected and subscribed")

	go r.run(ctx, conn)
	return nil
}

// Done is closed when the connection has ended.
func (r *Reader) Done() <-chan struct{} { return r.done }

// Err returns why the connection ended. It is nil when the context was
// cancelled or the server closed the connection normally.
func (r *Reader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Session is the id logged with every line of the current connection.
func (r *Reader) Session() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

func (r *Reader) finish(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	close(r.done)
}

func (r *Reader) run(ctx context.Context, conn *websocket.Conn) {
	log := r.log.WithComponent("bitmex_reader").WithFields(logger.Fields{"session": r.session})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.keepalive(ctx, conn, stop)
	}()

	err := r.readLoop(conn)
	close(stop)
	wg.Wait()
	conn.Close()

	switch {
	case ctx.Err() != nil:
		log.WithFields(logger.Fields{"frames": r.frames}).Info("reader cancelled")
		err = nil
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		log.WithError(err).WithFields(logger.Fields{"frames": r.frames}).Warn("server closed connection")
		err = nil
	default:
		log.WithError(err).WithFields(logger.Fields{"frames": r.frames}).Error("connection ended")
	}
	r.finish(err)
}

func (r *Reader) readLoop(conn *websocket.Conn) error {
	if r.cfg.PongWait > 0 {
		conn.SetReadDeadline(time.Now().Add(r.cfg.PongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(r.cfg.PongWait))
		})
	}

	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.TextMessage {
			r.log.WithComponent("bitmex_reader").WithFields(logger.Fields{"type": kind, "size": len(msg)}).Debug("ignoring non-text frame")
			continue
		}
		r.frames++
		logger.IncrementFrameRead(len(msg))
		if err := r.handler.Handle(msg); err != nil {
			return fmt.Errorf("handle frame: %w", err)
		}
	}
}

// keepalive pings the server until stop is closed. When ctx is cancelled it
// sends a close frame and closes the connection to unblock the read loop.
func (r *Reader) keepalive(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	var tick <-chan time.Time
	if r.cfg.PingInterval > 0 {
		ticker := time.NewTicker(r.cfg.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	log := r.log.WithComponent("bitmex_reader").WithFields(logger.Fields{"session": r.session})

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown")
			if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				log.WithError(err).Debug("failed to send close frame")
			}
			conn.Close()
			return
		case <-tick:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(r.cfg.PingInterval)); err != nil {
				log.WithError(err).Warn("failed to send ping")
			}
		}
	}
}
