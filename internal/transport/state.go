package transport

import (
	"errors"
	"time"

	"quill/collab/internal/clock"
	"quill/collab/internal/config"
)

// State is the connection lifecycle of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "disconnected"
	}
}

// Connected reports whether a transport is open in this state.
func (s State) Connected() bool { return s >= StateConnected }

// Lifecycle events delivered through Session.On alongside server events.
const (
	EventDisconnect      = "disconnect"
	EventReconnectFailed = "reconnect-failed"
)

var (
	ErrNotConnected   = errors.New("transport not connected")
	ErrSendBufferFull = errors.New("transport send buffer full")
)

// Identity is what the session authenticates as.
type Identity struct {
	UserID   string
	Username string
	Avatar   string
}

type Options struct {
	Clock             clock.Clock
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	DialTimeout       time.Duration
	PingInterval      time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	SendBuffer        int
	// Identity, when set, is used to authenticate as soon as the server
	// greets a new connection.
	Identity *Identity
}

func DefaultOptions() Options {
	return Options{
		Clock:             clock.Real(),
		ReconnectAttempts: 5,
		ReconnectDelay:    time.Second,
		DialTimeout:       10 * time.Second,
		PingInterval:      25 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		SendBuffer:        64,
	}
}

func OptionsFromConfig(cfg config.Client) Options {
	opts := DefaultOptions()
	opts.ReconnectAttempts = cfg.ReconnectTries
	opts.ReconnectDelay = cfg.ReconnectDelay
	opts.DialTimeout = cfg.DialTimeout
	opts.PingInterval = cfg.PingInterval
	opts.ReadTimeout = cfg.ReadTimeout
	return opts
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Clock == nil {
		o.Clock = d.Clock
	}
	if o.ReconnectAttempts < 0 {
		o.ReconnectAttempts = 0
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = d.ReconnectDelay
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = d.DialTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = d.ReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	return o
}
