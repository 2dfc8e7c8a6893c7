// Package sink defines the StreamSink contract: the boundary between the
// core engine and the concrete media pipeline (platform decoders,
// on-screen rendering). The core never constructs or owns a sink
// implementation; one is supplied by the host at PlayerCore construction.
package sink

// MediaType identifies an elementary stream kind carried through the sink.
type MediaType int

const (
	Video MediaType = iota
	Audio
	Subtitle
	Auxiliary
)

// String returns the media type's name.
func (m MediaType) String() string {
	switch m {
	case Video:
		return "VIDEO"
	case Audio:
		return "AUDIO"
	case Subtitle:
		return "SUBTITLE"
	case Auxiliary:
		return "AUXILIARY"
	default:
		return "UNKNOWN"
	}
}

// Format describes the elementary stream/container format handed to
// Configure. Concrete codec enumeration is a sink/platform concern; the
// core only carries an opaque descriptive string plus the fields it needs
// for MEDIA_METADATA events.
type Format struct {
	Codecs string
	Width  int
	Height int
}

// StreamSink is implemented by the host's concrete media pipeline. All
// methods may be called from fetch/inject goroutines; implementations must
// be safe for concurrent use across at least one caller per MediaType.
type StreamSink interface {
	// Send delivers one fragment's payload. Ownership of payload transfers
	// to the sink; the caller must not reuse the slice afterward.
	Send(mediaType MediaType, payload []byte, ptsSec, dtsSec, durationSec float64) error

	// EndOfStreamReached signals that no further fragments will arrive for
	// mediaType.
	EndOfStreamReached(mediaType MediaType)

	// Discontinuity notifies the sink of an encoder/packager boundary for
	// mediaType. The return value indicates whether the caller should stop
	// injecting (true) pending a rebuild, or may continue (false).
	Discontinuity(mediaType MediaType) bool

	// Flush repositions the pipeline without a full teardown.
	Flush(positionSec float64, rate float64)

	// Pause toggles the pipeline's paused state.
	Pause(paused bool)

	// Stop tears the pipeline down. keepLastFrame requests the sink hold
	// the last rendered frame on screen (used for trickplay/seek UX).
	Stop(keepLastFrame bool)

	// Configure (re)configures the pipeline for the given formats.
	// esChangeStatus indicates whether the elementary stream set changed
	// since the last Configure call (vs. just a format change).
	Configure(video, audio Format, esChangeStatus bool) error

	// SetVideoRectangle sets the on-screen video rectangle.
	SetVideoRectangle(x, y, w, h int)

	// SetZoom sets the video zoom mode (0=normal, 1=full).
	SetZoom(mode int)

	// SetMute mutes or unmutes audio output.
	SetMute(muted bool)

	// SetAudioVolume sets audio output volume in [0, 100].
	SetAudioVolume(volume int)

	// IsCacheEmpty reports whether the sink's internal cache for
	// mediaType is empty (used by stall detection).
	IsCacheEmpty(mediaType MediaType) bool

	// GetVideoSize returns the currently configured video dimensions.
	GetVideoSize() (width, height int)

	// NotifyFragmentCachingComplete signals the sink that the initial
	// buffering phase has finished and playback may proceed.
	NotifyFragmentCachingComplete()

	// DumpStatus writes a human-readable diagnostic dump of sink state,
	// for inclusion in the host's status surface.
	DumpStatus() string
}
