package core

import (
	"context"
	"time"
)

// SmartCardContext represents a PC/SC context for listing and watching readers
type SmartCardContext interface {
	ListReaders() ([]string, error)
	Connect(reader string, shareMode uint32, protocol uint32) (SmartCard, error)
	GetStatusChange(states []ReaderState, timeout time.Duration) error
	Cancel() error
	Release() error
}

// SmartCard represents a connected smart card for transmitting commands
type SmartCard interface {
	Transmit(cmd []byte) ([]byte, error)
	Status() (SmartCardStatus, error)
	Disconnect(disposition uint32) error
}

// SmartCardStatus represents the status of a smart card
type SmartCardStatus struct {
	Reader         string
	State          uint32
	ActiveProtocol uint32
	Atr            []byte
}

// ReaderState mirrors the PC/SC reader state record used by GetStatusChange
type ReaderState struct {
	Reader       string
	CurrentState uint32
	EventState   uint32
	Atr          []byte
}

// Reader state flags, same values as SCARD_STATE_*.
const (
	ReaderStateUnaware     uint32 = 0x0000
	ReaderStateIgnore      uint32 = 0x0001
	ReaderStateChanged     uint32 = 0x0002
	ReaderStateUnknown     uint32 = 0x0004
	ReaderStateUnavailable uint32 = 0x0008
	ReaderStateEmpty       uint32 = 0x0010
	ReaderStatePresent     uint32 = 0x0020
)

// ContextFactory creates SmartCardContext instances
// This allows for dependency injection and mocking in tests
type ContextFactory interface {
	EstablishContext() (SmartCardContext, error)
}

// DefaultContextFactory is the production factory that uses real PC/SC
type DefaultContextFactory struct{}

// Gateway is the reader service as seen by the card monitor.
type Gateway interface {
	ListReaders() ([]string, error)
	Connect(reader string) (Session, error)
	// Watch delivers insert/remove events until ctx is done or the
	// notification channel fails, after which the channel is closed.
	Watch(ctx context.Context) (<-chan GatewayEvent, error)
	Close() error
}

// Session is one connection to a card on one reader.
type Session interface {
	Transmitter
	ATR() []byte
	Close() error
}

// GatewayEventKind distinguishes reader notifications.
type GatewayEventKind int

const (
	EventInserted GatewayEventKind = iota
	EventRemoved
	// EventChannelError is always the last event of a Watch.
	EventChannelError
)

func (k GatewayEventKind) String() string {
	switch k {
	case EventInserted:
		return "inserted"
	case EventRemoved:
		return "removed"
	default:
		return "channel_error"
	}
}

// GatewayEvent is one reader notification.
type GatewayEvent struct {
	Kind   GatewayEventKind
	Reader string
	ATR    []byte
	Err    error
	At     time.Time
}

// EventQueueSize bounds the buffered Watch channel.
const EventQueueSize = 16
