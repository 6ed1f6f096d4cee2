package client

import (
	"time"

	"github.com/gorilla/websocket"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackoff
	StateGaveUp
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateGaveUp:
		return "gave_up"
	}
	return "unknown"
}

const (
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultMaxAttempts  = 6
)

// Policy is an exponential backoff without jitter.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int // unsuccessful cycles tolerated before giving up
}

func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		MaxAttempts:  DefaultMaxAttempts,
	}
}

// Delay returns min(InitialDelay * 2^attempt, MaxDelay).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.InitialDelay
	for i := 0; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	return min(d, p.MaxDelay)
}

type InputKind int

const (
	// InputStart asks a disconnected controller to connect.
	InputStart InputKind = iota
	InputDialed
	InputDialFailed
	// InputRejected is a dial refused for authentication; it is not retried.
	InputRejected
	InputClosed
	InputTimerFired
	// InputStop is a deliberate close by the holder.
	InputStop
)

type Input struct {
	Kind      InputKind
	CloseCode int // for InputClosed
}

type EffectKind int

const (
	EffectNone EffectKind = iota
	EffectDial
	EffectSchedule
	EffectGiveUp
)

type Effect struct {
	Kind  EffectKind
	Delay time.Duration // for EffectSchedule
}

// Machine is the reconnection state machine. Step is pure: timers and
// transports are driven by whoever performs the returned effect.
type Machine struct {
	State   State
	Attempt int
	Policy  Policy
}

func NewMachine(p Policy) Machine {
	return Machine{State: StateDisconnected, Policy: p}
}

func (m Machine) Step(in Input) (Machine, Effect) {
	if m.State == StateGaveUp {
		return m, Effect{}
	}
	if in.Kind == InputStop {
		m.State = StateDisconnected
		return m, Effect{}
	}

	switch m.State {
	case StateDisconnected:
		if in.Kind == InputStart {
			m.State = StateConnecting
			return m, Effect{Kind: EffectDial}
		}
	case StateConnecting:
		switch in.Kind {
		case InputDialed:
			m.State = StateConnected
			m.Attempt = 0
			return m, Effect{}
		case InputDialFailed:
			return m.backoff()
		case InputRejected:
			m.State = StateDisconnected
			return m, Effect{}
		}
	case StateConnected:
		if in.Kind == InputClosed {
			if in.CloseCode == websocket.CloseNormalClosure {
				m.State = StateDisconnected
				return m, Effect{}
			}
			return m.backoff()
		}
	case StateBackoff:
		if in.Kind == InputTimerFired {
			m.State = StateConnecting
			return m, Effect{Kind: EffectDial}
		}
	}
	return m, Effect{}
}

func (m Machine) backoff() (Machine, Effect) {
	if m.Attempt >= m.Policy.MaxAttempts {
		m.State = StateGaveUp
		return m, Effect{Kind: EffectGiveUp}
	}
	delay := m.Policy.Delay(m.Attempt)
	m.Attempt++
	m.State = StateBackoff
	return m, Effect{Kind: EffectSchedule, Delay: delay}
}
