package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"parley/internal/models"

	"github.com/c-pro/geche"
	"github.com/gorilla/websocket"
)

const (
	DefaultDedupTTL = 10 * time.Minute
	closeTimeout    = time.Second
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrGaveUp       = errors.New("gave up reconnecting")
)

type transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type dialFunc func(ctx context.Context) (transport, error)

// Handler receives server events of one kind.
type Handler func(models.ServerMessage)

type Config struct {
	URL      string
	Token    string
	Policy   Policy
	DedupTTL time.Duration
}

// Controller keeps one logical connection to the server alive, reconnecting
// with backoff after abnormal closures.
type Controller struct {
	dial  dialFunc
	after func(time.Duration) <-chan time.Time
	log   *slog.Logger

	mu       sync.Mutex
	machine  Machine
	conn     transport
	handlers map[models.ServerMessageType]Handler
	watchers []func(State)

	writeMu sync.Mutex
	seen    geche.Geche[models.MessageID, struct{}]

	stop     chan struct{}
	stopOnce sync.Once
}

func NewController(ctx context.Context, cfg Config, log *slog.Logger) *Controller {
	if cfg.Policy == (Policy{}) {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultDedupTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		dial:     websocketDialer(cfg.URL, cfg.Token),
		after:    time.After,
		log:      log,
		machine:  NewMachine(cfg.Policy),
		handlers: make(map[models.ServerMessageType]Handler),
		seen:     geche.NewMapTTLCache[models.MessageID, struct{}](ctx, cfg.DedupTTL, time.Minute),
		stop:     make(chan struct{}),
	}
}

func websocketDialer(url, token string) dialFunc {
	return func(ctx context.Context) (transport, error) {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return nil, fmt.Errorf("%w: server refused token", models.ErrAuthentication)
			}
			return nil, err
		}
		return conn, nil
	}
}

// On registers the handler for one event kind, replacing any previous one.
func (c *Controller) On(kind models.ServerMessageType, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = h
}

// OnState registers a callback for connectivity changes.
func (c *Controller) OnState(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.State
}

// Send writes one event. It fails with ErrNotConnected unless connected;
// nothing is queued for later.
func (c *Controller) Send(in models.Inbound) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.machine.State == StateConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	frame, err := models.NewClientMessage(in)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("%w: %v", models.ErrTransport, err)
	}
	return nil
}

// Close performs a normal closure; Run returns without reconnecting.
func (c *Controller) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.step(Input{Kind: InputStop})

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout))
	return conn.Close()
}

// Run connects and keeps reconnecting until a normal closure, Close, ctx
// cancellation, an authentication failure or the backoff ceiling.
// The last one returns ErrGaveUp.
func (c *Controller) Run(ctx context.Context) error {
	if c.stopped() {
		return nil
	}
	defer c.step(Input{Kind: InputStop})

	eff := c.step(Input{Kind: InputStart})
	for {
		if c.stopped() || ctx.Err() != nil {
			return nil
		}

		switch eff.Kind {
		case EffectDial:
			conn, err := c.dial(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if errors.Is(err, models.ErrAuthentication) {
					c.step(Input{Kind: InputRejected})
					return err
				}
				c.log.Warn("connection attempt failed", "error", err)
				eff = c.step(Input{Kind: InputDialFailed})
				continue
			}

			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			c.step(Input{Kind: InputDialed})

			code := c.serve(ctx, conn)

			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			_ = conn.Close()

			if c.stopped() || ctx.Err() != nil {
				return nil
			}
			c.log.Info("connection closed", "code", code)
			eff = c.step(Input{Kind: InputClosed, CloseCode: code})

		case EffectSchedule:
			c.log.Info("reconnecting", "delay", eff.Delay)
			select {
			case <-c.after(eff.Delay):
				eff = c.step(Input{Kind: InputTimerFired})
			case <-ctx.Done():
				return nil
			case <-c.stop:
				return nil
			}

		case EffectGiveUp:
			return ErrGaveUp

		default:
			return nil
		}
	}
}

func (c *Controller) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// step applies one input and notifies watchers of a state change.
func (c *Controller) step(in Input) Effect {
	c.mu.Lock()
	prev := c.machine.State
	next, eff := c.machine.Step(in)
	c.machine = next
	watchers := append([]func(State){}, c.watchers...)
	c.mu.Unlock()

	if next.State == prev {
		return eff
	}
	// A dropped connection is reported as disconnected before the retry state.
	changes := []State{next.State}
	if prev == StateConnected && next.State != StateDisconnected {
		changes = []State{StateDisconnected, next.State}
	}
	for _, s := range changes {
		for _, fn := range watchers {
			fn(s)
		}
	}
	return eff
}

// serve reads events until the transport fails and returns the close code.
func (c *Controller) serve(ctx context.Context, conn transport) int {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return closeErr.Code
			}
			return websocket.CloseAbnormalClosure
		}

		var msg models.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("malformed server event", "error", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Controller) dispatch(msg models.ServerMessage) {
	var missing bool
	switch msg.Type {
	case models.ServerMessageTypeMessage:
		if missing = msg.Message == nil; missing {
			break
		}
		if _, err := c.seen.Get(msg.Message.ID); err == nil {
			c.log.Debug("duplicate message dropped", "message_id", msg.Message.ID)
			return
		}
		c.seen.Set(msg.Message.ID, struct{}{})
	case models.ServerMessageTypeStatusChanged:
		missing = msg.Status == nil
	case models.ServerMessageTypeTypingChanged:
		missing = msg.Typing == nil
	case models.ServerMessageTypeError:
		missing = msg.Error == nil
	default:
		c.log.Warn("ignoring unknown event kind", "type", msg.Type)
		return
	}
	if missing {
		c.log.Warn("ignoring event without payload", "type", msg.Type)
		return
	}

	c.mu.Lock()
	h, ok := c.handlers[msg.Type]
	c.mu.Unlock()
	if !ok {
		c.log.Debug("no handler for event", "type", msg.Type)
		return
	}
	h(msg)
}
