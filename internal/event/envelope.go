package event

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeMarketCreated
	EventTypeTradePlaced
	EventTypeFeeCollected
	EventTypeMarketResolved
	EventTypeMarketCancelled
	EventTypePositionClaimed
	EventTypeFeeUpdated
	EventTypeFeeRecipientUpdated
	EventTypeAssetRescued
	EventTypeCollateralMinted
	EventTypeAllowanceApproved
)

func (et EventType) String() string {
	switch et {
	case EventTypeMarketCreated:
		return "MarketCreated"
	case EventTypeTradePlaced:
		return "TradePlaced"
	case EventTypeFeeCollected:
		return "FeeCollected"
	case EventTypeMarketResolved:
		return "MarketResolved"
	case EventTypeMarketCancelled:
		return "MarketCancelled"
	case EventTypePositionClaimed:
		return "PositionClaimed"
	case EventTypeFeeUpdated:
		return "FeeUpdated"
	case EventTypeFeeRecipientUpdated:
		return "FeeRecipientUpdated"
	case EventTypeAssetRescued:
		return "AssetRescued"
	case EventTypeCollateralMinted:
		return "CollateralMinted"
	case EventTypeAllowanceApproved:
		return "AllowanceApproved"
	default:
		return "Unknown"
	}
}

// Envelope wraps every event in the log
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Client request id of the command that produced the event
	RequestID string

	// Command that produced the event, e.g. "Buy"
	CommandType string

	EventType EventType

	// Zero for events outside any market (mint, approve)
	Market common.Address

	// Versioned command timestamp (NOT wall-clock)
	Timestamp time.Time

	Payload Event

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads implement
type Event interface {
	EventType() EventType

	// MarketAddress returns the market context (zero for global events)
	MarketAddress() common.Address
}

// Sink receives events as operations commit. Implementations must not call
// back into the emitter.
type Sink interface {
	Emit(evt Event)
}

// Discard drops everything
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// Recorder buffers emitted events until drained
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(evt Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

// Drain returns buffered events in emission order and empties the buffer
func (r *Recorder) Drain() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}
