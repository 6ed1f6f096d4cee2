package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"parley/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	DefaultQueueSize    = 256
	DefaultPingInterval = 30 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadMessage() (messageType int, p []byte, err error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

type dispatcher interface {
	Dispatch(ctx context.Context, sender models.Identity, in models.Inbound) error
}

type Config struct {
	QueueSize    int
	PingInterval time.Duration
	WriteTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.PingInterval < 0 {
		c.PingInterval = 0
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

// Connection is one admitted websocket. Inbound frames are read and
// dispatched on one goroutine, queued outbound events are written on another.
type Connection struct {
	id       string
	identity models.Identity
	ws       wsConnection
	router   dispatcher
	cfg      Config
	out      *outbox
	log      *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	errorCh   chan error
}

func NewConnection(
	router dispatcher,
	ws wsConnection,
	identity models.Identity,
	cfg Config,
	log *slog.Logger,
) *Connection {
	cfg.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	id := uuid.NewString()
	return &Connection{
		id:       id,
		identity: identity,
		ws:       ws,
		router:   router,
		cfg:      cfg,
		out:      newOutbox(cfg.QueueSize),
		log:      log.With("user_id", identity, "conn_id", id),
		done:     make(chan struct{}),
		errorCh:  make(chan error, 2),
	}
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Identity() models.Identity {
	return c.identity
}

// Enqueue queues an event for the write loop without blocking.
func (c *Connection) Enqueue(msg models.ServerMessage) error {
	return c.out.push(msg)
}

// Close stops both loops and discards queued events. Safe to call repeatedly.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.out.close()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// Handle serves the connection until the peer goes away, ctx is cancelled or
// the connection is closed. It returns the error that ended it, if any.
func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.readLoop(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.writeLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	case <-c.done:
	}
	closedLocally := c.isClosed()
	_ = c.Close()
	wg.Wait()

	// Read errors after a local close are just the socket going away.
	if closedLocally || err == nil || errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func (c *Connection) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Connection) readLoop(ctx context.Context) error {
	if c.cfg.PingInterval > 0 {
		wait := 2 * c.cfg.PingInterval
		_ = c.ws.SetReadDeadline(time.Now().Add(wait))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(wait))
		})
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}

		// Payload errors never end the connection; only transport errors do.
		var frame models.ClientMessage
		if err := json.Unmarshal(data, &frame); err != nil {
			c.report(fmt.Errorf("%w: malformed frame: %v", models.ErrValidation, err), "")
			continue
		}

		in, err := frame.Decode()
		if err != nil {
			c.report(err, "")
			continue
		}

		if err := c.router.Dispatch(ctx, c.identity, in); err != nil {
			ref := ""
			if m, ok := in.(models.SendMessage); ok {
				ref = m.Ref
			}
			c.report(err, ref)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// report sends an error event back to this connection only.
func (c *Connection) report(err error, ref string) {
	if errors.Is(err, models.ErrValidation) || errors.Is(err, models.ErrNotFound) {
		c.log.Debug("rejected client event", "error", err)
	} else {
		c.log.Warn("client event failed", "error", err)
	}
	if qerr := c.out.push(models.NewErrorEvent(err, ref)); qerr != nil {
		c.log.Warn("cannot report error to client", "error", qerr)
		_ = c.Close()
	}
}

func (c *Connection) writeLoop(ctx context.Context) error {
	var ping <-chan time.Time
	if c.cfg.PingInterval > 0 {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case <-c.out.ready():
			for {
				msg, ok := c.out.pop()
				if !ok {
					break
				}
				if err := c.write(msg); err != nil {
					return fmt.Errorf("%w: %v", models.ErrTransport, err)
				}
			}
		case <-ping:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return fmt.Errorf("%w: ping: %v", models.ErrTransport, err)
			}
		}
	}
}

func (c *Connection) write(msg models.ServerMessage) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(msg)
}
