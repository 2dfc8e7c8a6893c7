// Package event defines the AampEvent types produced by the core and the
// Listener contract through which they are fanned out. Transport to the
// host application (marshalling, thread hop) is an external concern; this
// package only models the event shapes and an in-process bus.
package event

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind identifies an AampEvent's type.
type Kind int

const (
	Tuned Kind = iota
	TuneFailed
	SpeedChanged
	EOS
	PlaylistIndexed
	Progress
	CCHandleReceived
	BitrateChanged
	TimedMetadata
	StateChanged
	MediaMetadata
	SpeedsChanged
	EnteringLive
	DRMMetadata
)

// String returns the event kind's name.
func (k Kind) String() string {
	switch k {
	case Tuned:
		return "TUNED"
	case TuneFailed:
		return "TUNE_FAILED"
	case SpeedChanged:
		return "SPEED_CHANGED"
	case EOS:
		return "EOS"
	case PlaylistIndexed:
		return "PLAYLIST_INDEXED"
	case Progress:
		return "PROGRESS"
	case CCHandleReceived:
		return "CC_HANDLE_RECEIVED"
	case BitrateChanged:
		return "BITRATE_CHANGED"
	case TimedMetadata:
		return "TIMED_METADATA"
	case StateChanged:
		return "STATE_CHANGED"
	case MediaMetadata:
		return "MEDIA_METADATA"
	case SpeedsChanged:
		return "SPEEDS_CHANGED"
	case EnteringLive:
		return "ENTERING_LIVE"
	case DRMMetadata:
		return "DRM_METADATA"
	default:
		return "UNKNOWN"
	}
}

// maxTuneFailedDescriptionLen bounds TuneFailedPayload.Description per §6.
const maxTuneFailedDescriptionLen = 128

// TuneFailedPayload is the payload for a TUNE_FAILED event.
type TuneFailedPayload struct {
	Code        int
	Description string
	Retryable   bool
}

// NewTuneFailedPayload truncates the description to the spec's 128-char bound.
func NewTuneFailedPayload(code int, description string, retryable bool) TuneFailedPayload {
	if len(description) > maxTuneFailedDescriptionLen {
		description = description[:maxTuneFailedDescriptionLen]
	}
	return TuneFailedPayload{Code: code, Description: description, Retryable: retryable}
}

// SpeedChangedPayload is the payload for a SPEED_CHANGED event.
type SpeedChangedPayload struct {
	Rate float64
}

// ProgressPayload is the payload for a PROGRESS event.
type ProgressPayload struct {
	PositionMs   int64
	DurationMs   int64
	StartMs      int64
	EndMs        int64
	PlaybackRate float64
}

// CCHandlePayload is the payload for a CC_HANDLE_RECEIVED event.
type CCHandlePayload struct {
	Handle uintptr
}

// BitrateChangedPayload is the payload for a BITRATE_CHANGED event.
type BitrateChangedPayload struct {
	TimeMs      int64
	Bitrate     int64
	Description string
	Width       int
	Height      int
}

// TimedMetadataPayload is the payload for a TIMED_METADATA event.
type TimedMetadataPayload struct {
	TimeMs  int64
	Name    string
	Content string
}

// StateChangedPayload is the payload for a STATE_CHANGED event.
type StateChangedPayload struct {
	State string
}

// MediaMetadataPayload is the payload for a MEDIA_METADATA event.
type MediaMetadataPayload struct {
	DurationMs      int64
	Languages       []string
	Bitrates        []int64
	Width           int
	Height          int
	HasDRM          bool
	SupportedSpeeds []float64
}

// SpeedsChangedPayload is the payload for a SPEEDS_CHANGED event.
type SpeedsChangedPayload struct {
	SupportedSpeeds []float64
}

// DRMMetadataPayload is the payload for a DRM_METADATA event.
type DRMMetadataPayload struct {
	AccessStatus      string
	AccessStatusValue int
}

// AampEvent is a single event produced by the core for delivery to a
// Listener. ID is a sortable ULID useful for ordering/deduplication by the
// host transport layer.
type AampEvent struct {
	ID      ulid.ULID
	Kind    Kind
	At      time.Time
	Payload any
}

var (
	ulidMu     sync.Mutex
	ulidSource = ulid.Monotonic(rand.Reader, 0)
)

// New creates an AampEvent with a freshly minted monotonic ULID.
func New(kind Kind, at time.Time, payload any) AampEvent {
	ulidMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(at), ulidSource)
	ulidMu.Unlock()
	return AampEvent{ID: id, Kind: kind, At: at, Payload: payload}
}

// Listener receives events produced by the core. Implementations must not
// block for long: the core calls Event synchronously from whichever
// goroutine produced it (the main event loop, for state/progress events; a
// fetch/inject goroutine for others funneled through Bus).
type Listener interface {
	Event(AampEvent)
}

// ListenerFunc adapts a function to a Listener.
type ListenerFunc func(AampEvent)

// Event implements Listener.
func (f ListenerFunc) Event(e AampEvent) { f(e) }

// Bus fans a single event stream out to any number of registered listeners.
// It is the core's only production surface for events; nothing else holds a
// direct pointer to listeners.
type Bus struct {
	mu        sync.RWMutex
	listeners []Listener
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a listener. Returns an unsubscribe function.
func (b *Bus) Subscribe(l Listener) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
	idx := len(b.listeners) - 1
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.listeners) && b.listeners[idx] == l {
			b.listeners = append(b.listeners[:idx], b.listeners[idx+1:]...)
		}
	}
}

// Emit constructs and delivers an event to every registered listener, in
// registration order.
func (b *Bus) Emit(kind Kind, payload any) AampEvent {
	e := New(kind, time.Now(), payload)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, l := range b.listeners {
		l.Event(e)
	}
	return e
}
