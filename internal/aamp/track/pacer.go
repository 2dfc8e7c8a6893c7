package track

import "sync"

// TrackPacer is the encapsulated per-track condition-variable pacing
// object called for in §9: audio is allowed to lead video injection by
// at most one fragment duration (§4.4 cross-track pacing); a TrackPacer
// instance is shared by exactly one audio and one video MediaTrack.
type TrackPacer struct {
	mu   sync.Mutex
	cond *sync.Cond

	videoInjectedSec    float64
	audioInjectedSec    float64
	fragmentDurationSec float64
	disabled            bool
}

// NewTrackPacer constructs a pacer with no lead budget configured yet;
// call SetFragmentDuration once the video track's fragment duration is
// known.
func NewTrackPacer() *TrackPacer {
	p := &TrackPacer{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// SetFragmentDuration sets the per-fragment lead budget audio may run
// ahead of video before WaitIfAhead blocks.
func (p *TrackPacer) SetFragmentDuration(sec float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fragmentDurationSec = sec
}

// Disable turns pacing off permanently, for CDVR-typed content and
// audio-only playback (§4.4).
func (p *TrackPacer) Disable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disabled = true
	p.cond.Broadcast()
}

// ReportVideoInjected records video's cumulative injected duration and
// wakes any waiting audio track.
func (p *TrackPacer) ReportVideoInjected(sec float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.videoInjectedSec = sec
	p.cond.Broadcast()
}

// ReportAudioInjected records audio's cumulative injected duration.
func (p *TrackPacer) ReportAudioInjected(sec float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.audioInjectedSec = sec
}

// WaitIfAhead blocks the audio track while its injected duration exceeds
// video's by more than the configured fragment-duration budget. It is a
// no-op for any caller other than the audio track.
func (p *TrackPacer) WaitIfAhead(isAudio bool) {
	if !isAudio {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.disabled && p.audioInjectedSec > p.videoInjectedSec+p.fragmentDurationSec {
		p.cond.Wait()
	}
}

// SignalOthers wakes any track blocked in WaitIfAhead, e.g. after an
// abort so the waiter can observe the new state and exit.
func (p *TrackPacer) SignalOthers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cond.Broadcast()
}
