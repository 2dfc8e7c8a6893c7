// Package player implements PlayerCore (§3, §4.8): the top-level façade
// that owns tune/seek/rate/stop orchestration, the playback state
// machine, retune scheduling, and event fan-out to host listeners. It
// constructs and drives a stream.Abstraction per tune and never talks to
// a sink.StreamSink or downloader.Downloader directly beyond wiring them
// through to the StreamAbstraction/MediaTrack layer.
//
// State machine (§4.8): RELEASED -> IDLE on construction complete; IDLE
// -> INITIALIZING on Tune; INITIALIZING -> PREPARING -> PREPARED as
// manifests are parsed and media metadata announced; PREPARED -> PLAYING
// on first buffer processed or on explicit play; PLAYING <-> PAUSED on
// SetRate(0)/SetRate(1); any -> SEEKING on Seek; any -> ERROR on fatal
// tune failure; PLAYING -> COMPLETE on EOS in VOD; any -> BLOCKED on a
// content-restriction signal from the external tuner.
package player

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/josephch/aamp-go/internal/aamp/abr"
	"github.com/josephch/aamp-go/internal/aamp/downloader"
	"github.com/josephch/aamp-go/internal/aamp/drm"
	"github.com/josephch/aamp-go/internal/aamp/event"
	"github.com/josephch/aamp-go/internal/aamp/mainloop"
	"github.com/josephch/aamp-go/internal/aamp/sink"
	"github.com/josephch/aamp-go/internal/aamp/stream"
	"github.com/josephch/aamp-go/internal/aamp/track"
	"github.com/josephch/aamp-go/internal/aamp/tunerror"
	"github.com/josephch/aamp-go/internal/config"
)

// maxTimeBetweenUnderflowsToTriggerRetuneMs bounds the window repeated PTS
// errors must fall within to schedule a retune (§4.8).
const maxTimeBetweenUnderflowsToTriggerRetuneMs = 20000

// Rewind-on-resume thresholds (§9: "three thresholds with no derivation;
// this spec treats them as tunable constants").
const (
	rewindBackThresholdMs = 100
	rewindKeepThresholdMs = 950
)

// defaultTuneAttempts bounds how many attempts Tune makes at a fresh tune
// (not a retune), the first one included, before giving up and surfacing
// TUNE_FAILED to the host.
const defaultTuneAttempts = 2

// AbstractionFactory constructs the stream.Abstraction matching a tune
// URL's protocol family, letting tests substitute a fake without
// PlayerCore knowing about it (§4.8 step 3).
type AbstractionFactory func(ctx factoryCtx) stream.Abstraction

// factoryCtx bundles the collaborators an AbstractionFactory needs.
type factoryCtx struct {
	url                   string
	dl                    *downloader.Downloader
	sk                    sink.StreamSink
	drmMgr                *drm.Manager
	bus                   *event.Bus
	abrCtl                *abr.Controller
	logger                *slog.Logger
	cfg                   stream.Config
	persistedBandwidthBps int64
}

// DefaultAbstractionFactory implements §4.8 step 3: protocol family
// detection by URL substring. ".mpd" selects DASH; everything else (in
// particular ".m3u8") selects HLS.
func DefaultAbstractionFactory(fc factoryCtx) stream.Abstraction {
	var a stream.Abstraction
	if strings.Contains(fc.url, ".mpd") {
		d := stream.NewDASH(fc.url, fc.dl, fc.sk, fc.drmMgr, fc.bus, fc.abrCtl, fc.logger)
		d.Config = fc.cfg
		d.PersistedBandwidthBps = fc.persistedBandwidthBps
		a = d
	} else {
		h := stream.NewHLS(fc.url, fc.dl, fc.sk, fc.drmMgr, fc.bus, fc.abrCtl, fc.logger)
		h.Config = fc.cfg
		h.PersistedBandwidthBps = fc.persistedBandwidthBps
		a = h
	}
	return a
}

// Status is a JSON-serializable snapshot of PlayerCore's state, exposed
// by cmd/aampcli's debug /status endpoint.
type Status struct {
	State            string  `json:"state"`
	Rate             float64 `json:"rate"`
	PositionMs       int64   `json:"positionMs"`
	DurationMs       int64   `json:"durationMs"`
	Live             bool    `json:"live"`
	TuneURL          string  `json:"tuneUrl,omitempty"`
	CurrentDrmSystem string  `json:"currentDrmSystem,omitempty"`
	PendingAdURL     string  `json:"pendingAdUrl,omitempty"`
}

// PlayerCore is the façade described above.
type PlayerCore struct {
	Config         *config.Config
	Sink           sink.StreamSink
	Downloader     *downloader.Downloader
	DrmManager     *drm.Manager
	Bus            *event.Bus
	Logger         *slog.Logger
	MainLoop       *mainloop.Queue
	NewAbstraction AbstractionFactory

	abrCtl *abr.Controller

	mu   sync.Mutex
	cond *sync.Cond // Teardown waits on this for in-flight retune/discontinuity (§5).

	state                         State
	rate                          float64
	seekPosSec                    float64
	durationSec                   float64
	culledSec                     float64
	liveOffsetSec                 float64
	contentType                   string
	tuneAttemptsRemaining         int
	pendingDiscontinuityOperation bool
	deferredDrmTimeMs             int64
	deferredDrmSha1               string
	pausedPipeline                bool
	currentDrmSystem              string
	tsbEnabled                    bool

	tuneURL               string
	abstraction           stream.Abstraction
	downloadsEnabled      bool
	retuneInProgress      bool
	persistedBandwidthBps int64
	errorReported         bool // TUNE_FAILED suppression while in ERROR (§7)
	pendingAdURL          string

	lastProgressAt     time.Time
	lastProgressPosMs  int64
	ptsErrorTimestamps []time.Time

	refreshCtx     context.Context
	refreshCancel  context.CancelFunc
	progressCtx    context.Context
	progressCancel context.CancelFunc
	wg             sync.WaitGroup
}

// New constructs a PlayerCore in state RELEASED and immediately
// transitions it to IDLE, per §4.8's "construction complete" trigger.
func New(cfg *config.Config, sk sink.StreamSink, dl *downloader.Downloader, drmMgr *drm.Manager, bus *event.Bus, logger *slog.Logger) *PlayerCore {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = event.NewBus()
	}
	if cfg == nil {
		cfg = &config.Config{}
	}
	p := &PlayerCore{
		Config:           cfg,
		Sink:             sk,
		Downloader:       dl,
		DrmManager:       drmMgr,
		Bus:              bus,
		Logger:           logger,
		MainLoop:         mainloop.New(),
		NewAbstraction:   DefaultAbstractionFactory,
		abrCtl:           abr.NewController(),
		downloadsEnabled: true,
		tsbEnabled:       cfg.Playback.TSBEnabled,
		liveOffsetSec:    cfg.Playback.LiveOffsetSec,
		state:            Released,
	}
	p.cond = sync.NewCond(&p.mu)
	p.Bus.Subscribe(event.ListenerFunc(p.onEvent))
	if dl != nil {
		dl.SetBandwidthSampleSink(func(kind downloader.FileKind, bps int64) {
			p.abrCtl.AddSample(time.Now(), bps)
		})
	}
	p.setState(Idle)
	return p
}

// onEvent drives the state-machine edges that are easier to observe from
// the event stream than from the call site that produced them: PLAYING
// -> COMPLETE on EOS in VOD (§4.8).
func (p *PlayerCore) onEvent(e event.AampEvent) {
	if e.Kind != event.EOS {
		return
	}
	p.mu.Lock()
	a := p.abstraction
	p.mu.Unlock()
	if a != nil && !a.IsLive() {
		p.setState(Complete)
	}
}

func (p *PlayerCore) setState(s State) {
	p.mu.Lock()
	old := p.state
	p.state = s
	p.mu.Unlock()
	if old == s {
		return
	}
	if p.Bus != nil {
		p.Bus.Emit(event.StateChanged, event.StateChangedPayload{State: s.String()})
	}
}

// State returns the current playback state.
func (p *PlayerCore) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Rate returns the current playback rate.
func (p *PlayerCore) Rate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rate
}

// GetPositionMs returns the last-reported playback position, the basis
// Retune and SetRate use to preserve/derive the play point (§4.8).
func (p *PlayerCore) GetPositionMs() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastProgressPosMs
}

// Tune implements §4.8's 5-step tune algorithm for a fresh tune
// (tuneType=NEW). Seek, SetRate and Retune run the same steps through
// tune with tuneType=SEEK or RETUNE, which flushes the sink in step 1
// instead of stopping it.
func (p *PlayerCore) Tune(ctx context.Context, tuneURL string) error {
	p.mu.Lock()
	p.tuneAttemptsRemaining = defaultTuneAttempts
	p.mu.Unlock()
	return p.tune(ctx, tuneURL, stream.TuneNew)
}

func (p *PlayerCore) tune(ctx context.Context, tuneURL string, tuneType stream.TuneType) error {
	// Step 1: teardown any previous stream, reset culled/duration/rate.
	p.teardown(tuneType == stream.TuneNew, tuneType == stream.TuneRetune)

	p.mu.Lock()
	p.tuneURL = tuneURL
	p.culledSec = 0
	p.durationSec = 0
	p.errorReported = false
	p.pendingAdURL = ""
	p.mu.Unlock()

	p.setState(Initializing)

	// Step 2: normalize the URL.
	normalized := p.normalizeURL(tuneURL)

	// Step 3: detect protocol family, construct the matching StreamAbstraction.
	cfg := p.streamConfig()
	p.mu.Lock()
	persistedBps := p.persistedBandwidthBps
	p.mu.Unlock()
	abstraction := p.NewAbstraction(factoryCtx{
		url:                   normalized,
		dl:                    p.Downloader,
		sk:                    p.Sink,
		drmMgr:                p.DrmManager,
		bus:                   p.Bus,
		abrCtl:                p.abrCtl,
		logger:                p.Logger,
		cfg:                   cfg,
		persistedBandwidthBps: persistedBps,
	})
	p.wireAbstraction(abstraction)

	p.mu.Lock()
	p.abstraction = abstraction
	p.mu.Unlock()

	p.setState(Preparing)

	// Step 4: call Init; map errors per §7.
	if err := abstraction.Init(ctx, tuneType); err != nil {
		return p.handleTuneError(ctx, tuneURL, tuneType, err)
	}

	p.mu.Lock()
	p.durationSec = abstraction.TotalDurationSec()
	p.contentType = contentTypeOf(normalized)
	if bw := p.abrCtl.MeasuredBandwidthBps(time.Now()); bw > 0 {
		p.persistedBandwidthBps = bw
	}
	p.rate = 1
	if sha1, dueDelaySec, ok := abstraction.DeferredLicense(); ok {
		p.deferredDrmSha1 = sha1
		p.deferredDrmTimeMs = time.Now().Add(time.Duration(dueDelaySec * float64(time.Second))).UnixMilli()
	} else {
		p.deferredDrmSha1 = ""
		p.deferredDrmTimeMs = 0
	}
	p.mu.Unlock()

	p.setState(Prepared)
	p.setState(Playing)

	p.startBackgroundLoops(ctx, abstraction)

	return nil
}

func contentTypeOf(url string) string {
	if strings.Contains(url, ".mpd") {
		return "DASH"
	}
	return "HLS"
}

func (p *PlayerCore) handleTuneError(ctx context.Context, tuneURL string, tuneType stream.TuneType, err error) error {
	var seekErr *stream.SeekRangeError
	if assertSeekRangeError(err, &seekErr) {
		// §7: SEEK_RANGE_ERROR is reported as EOS, not a fatal tune failure.
		if p.Bus != nil {
			p.Bus.Emit(event.EOS, nil)
		}
		p.setState(Complete)
		return seekErr
	}

	p.mu.Lock()
	p.tuneAttemptsRemaining--
	attemptsLeft := p.tuneAttemptsRemaining
	p.mu.Unlock()

	if tuneType == stream.TuneNew && attemptsLeft > 0 {
		p.Logger.Warn("tune attempt failed, retrying", slog.Any("error", err), slog.Int("attempts_left", attemptsLeft))
		return p.tune(ctx, tuneURL, tuneType)
	}

	p.fatal(toTuneError(err))
	return err
}

func assertSeekRangeError(err error, out **stream.SeekRangeError) bool {
	if e, ok := err.(*stream.SeekRangeError); ok {
		*out = e
		return true
	}
	return false
}

func toTuneError(err error) *tunerror.TuneError {
	if te, ok := err.(*tunerror.TuneError); ok {
		return te
	}
	return tunerror.New(tunerror.FailureUnknown, false, err)
}

// fatal implements §7's fatal-condition propagation policy: transition to
// ERROR, disable downloads, emit TUNE_FAILED once, suppress repeats.
func (p *PlayerCore) fatal(err *tunerror.TuneError) {
	p.mu.Lock()
	alreadyReported := p.errorReported
	p.errorReported = true
	p.mu.Unlock()

	p.DisableDownloads()
	p.setState(Error)

	if alreadyReported {
		return
	}
	if p.Bus != nil {
		p.Bus.Emit(event.TuneFailed, event.NewTuneFailedPayload(int(err.Code), err.Error(), err.Retryable))
	}
	p.Logger.Error("tune failed", slog.String("code", err.Code.String()), slog.Any("error", err.Err))
}

// normalizeURL applies §4.8 step 2's rewrite rules this depth supports:
// optional HTTPS->HTTP downgrade and EC-3 hint stripping. FOG-wrapper
// unwrapping and MPD-mapping table rewrites are host/CDN-specific and
// outside what a tune URL carries in this engine.
func (p *PlayerCore) normalizeURL(rawURL string) string {
	out := rawURL
	if p.Config.Network.ForceHTTP {
		out = strings.Replace(out, "https://", "http://", 1)
	}
	if p.Config.Playback.DisableEC3 {
		out = strings.ReplaceAll(out, "&ec3=true", "")
		out = strings.ReplaceAll(out, "?ec3=true", "?")
	}
	return out
}

func (p *PlayerCore) streamConfig() stream.Config {
	cfg := stream.DefaultConfig()
	p.mu.Lock()
	cfg.SeekPositionSec = p.seekPosSec
	cfg.LiveOffsetSec = p.liveOffsetSec
	p.mu.Unlock()

	cfg.CDVRLiveOffsetSec = p.Config.Playback.CDVRLiveOffsetSec
	cfg.FragmentCacheLength = p.Config.Buffer.FragmentCacheLength
	cfg.InitialBitrateBps = p.Config.ABR.DefaultBitrateBps
	cfg.InitialBitrate4KBps = p.Config.ABR.DefaultBitrate4KBps
	cfg.TSBEnabled = p.Config.Playback.TSBEnabled
	return cfg
}

// wireAbstraction installs PlayerCore's discontinuity handling and
// cancellation hooks onto an HLS/DASH coordinator before Init runs.
func (p *PlayerCore) wireAbstraction(a stream.Abstraction) {
	downloadsEnabled := func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.downloadsEnabled
	}
	onFatal := p.fatal
	onStall := p.handleStall

	switch s := a.(type) {
	case *stream.HLS:
		s.MainLoop = p.MainLoop
		s.OnDiscontinuity = p.handleDiscontinuity
		s.DownloadsEnabled = downloadsEnabled
		s.OnFatal = onFatal
		s.OnPlaybackStall = onStall
	case *stream.DASH:
		s.DownloadsEnabled = downloadsEnabled
		s.OnFatal = onFatal
		s.OnPlaybackStall = onStall
	}
}

func (p *PlayerCore) handleStall() {
	p.Logger.Warn("playback stalled", slog.Int("error_code", p.Config.Playback.StallErrorCode))
	p.fatal(tunerror.New(tunerror.PlaybackStalled, true, fmt.Errorf("playback stalled")))
}

// startBackgroundLoops launches the manifest-refresh loop (live only, a
// no-op for VOD per stream.Abstraction's contract), the main-loop drain,
// and the progress-reporting ticker (§4.8).
func (p *PlayerCore) startBackgroundLoops(ctx context.Context, a stream.Abstraction) {
	refreshCtx, refreshCancel := context.WithCancel(ctx)
	progressCtx, progressCancel := context.WithCancel(ctx)

	p.mu.Lock()
	p.refreshCtx, p.refreshCancel = refreshCtx, refreshCancel
	p.progressCtx, p.progressCancel = progressCtx, progressCancel
	p.mu.Unlock()

	p.wg.Add(3)
	go func() { defer p.wg.Done(); a.RunRefreshLoop(refreshCtx) }()
	go func() { defer p.wg.Done(); p.MainLoop.Run() }()
	go func() { defer p.wg.Done(); p.runProgressLoop(progressCtx) }()
}

// runProgressLoop implements §4.8's progress-reporting behavior: every
// ReportProgressInterval, emit {positionMs, durationMs, startMs, endMs,
// playbackRate} clamped into [startMs, endMs]; for live without TSB,
// startMs/endMs are reported as -1.
func (p *PlayerCore) runProgressLoop(ctx context.Context) {
	interval := p.Config.Playback.ReportProgressInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reportProgress()
		}
	}
}

func (p *PlayerCore) reportProgress() {
	p.mu.Lock()
	abstraction := p.abstraction
	rate := p.rate
	p.mu.Unlock()
	if abstraction == nil {
		return
	}

	durationMs := int64(abstraction.TotalDurationSec() * 1000)
	startMs, endMs := int64(0), durationMs
	if abstraction.IsLive() && !p.tsbEnabled {
		startMs, endMs = -1, -1
	}

	posMs := p.currentPositionMs(abstraction)
	if endMs >= 0 {
		if posMs < startMs {
			posMs = startMs
		}
		if posMs > endMs {
			posMs = endMs
		}
	}

	p.mu.Lock()
	p.lastProgressAt = time.Now()
	p.lastProgressPosMs = posMs
	p.checkAdWindow(posMs)
	p.mu.Unlock()

	p.checkDeferredLicense(abstraction)

	if p.Bus != nil {
		p.Bus.Emit(event.Progress, event.ProgressPayload{
			PositionMs:   posMs,
			DurationMs:   durationMs,
			StartMs:      startMs,
			EndMs:        endMs,
			PlaybackRate: rate,
		})
	}
}

// checkAdWindow implements §4.8 step 5: if ad-insertion is scheduled
// (AdURL configured) and the current position has reached the configured
// ad window, latch the ad URL for the host to pick up via PendingAdURL.
// Must be called with p.mu held.
func (p *PlayerCore) checkAdWindow(posMs int64) {
	adURL := p.Config.Playback.AdURL
	if adURL == "" || p.pendingAdURL == adURL {
		return
	}
	adPosMs := int64(p.Config.Playback.AdPositionSec * 1000)
	if posMs >= adPosMs {
		p.pendingAdURL = adURL
	}
}

// PendingAdURL returns the ad URL latched by checkAdWindow, or "" if no
// ad insertion is scheduled or the ad window hasn't been reached yet.
func (p *PlayerCore) PendingAdURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingAdURL
}

// checkDeferredLicense promotes a deferred-license DRM context (§4.6)
// once its due delay has elapsed: it looks up the DRM metadata the
// deferred tag referenced on the video track's current index and, if
// still present, acquires the key the same way an immediate DRM context
// would. Promotes at most once per tune since deferredDrmSha1 is cleared
// after a successful lookup.
func (p *PlayerCore) checkDeferredLicense(a stream.Abstraction) {
	p.mu.Lock()
	sha1 := p.deferredDrmSha1
	dueAtMs := p.deferredDrmTimeMs
	p.mu.Unlock()
	if sha1 == "" || time.Now().UnixMilli() < dueAtMs || p.DrmManager == nil {
		return
	}

	vt, ok := a.Tracks()[sink.Video]
	if !ok {
		return
	}
	meta, ok := vt.DrmMetadataBySha1(sha1)
	if !ok {
		return
	}

	drmMeta := drm.Metadata{Sha1Hash: meta.Sha1Hash, Blob: meta.Blob, Method: meta.Method, IV: meta.IV, KeyURI: meta.KeyURI}
	session := p.DrmManager.SessionFor(meta.Sha1Hash)
	session.SetMetaData(drmMeta)
	session.SetDecryptInfo(context.Background(), drmMeta)

	p.mu.Lock()
	p.deferredDrmSha1 = ""
	p.mu.Unlock()
}

// currentPositionMs derives a position estimate from the video track's
// playlist position; a real pipeline would read back presentation time
// from the sink instead, but StreamSink (§6) exposes no such query.
func (p *PlayerCore) currentPositionMs(a stream.Abstraction) int64 {
	tracks := a.Tracks()
	vt, ok := tracks[sink.Video]
	if !ok {
		return 0
	}
	return int64(vt.PlaylistPositionSec * 1000)
}

// Seek implements §4.8's Seek trigger: any state -> SEEKING, re-tunes at
// the new position with tuneType=SEEK.
func (p *PlayerCore) Seek(ctx context.Context, positionSec float64) error {
	p.mu.Lock()
	p.seekPosSec = positionSec
	url := p.tuneURL
	p.mu.Unlock()

	p.setState(Seeking)
	return p.tune(ctx, url, stream.TuneSeek)
}

// SetRate implements §4.8's rate-control algorithm. When r equals the
// current rate, a rate of 0 toggles the pipeline's paused state and any
// other rate is a no-op beyond the rate echo (so SetRate(1)->SetRate(1)
// leaves the sink untouched, per §8's testable property). Moving to rate
// 0 from another rate pauses the pipeline without a retune. Otherwise
// seekPosSec is recomputed from the last reported position plus a
// trick-frame-aligned delta and a SEEK retune follows.
func (p *PlayerCore) SetRate(ctx context.Context, r float64) error {
	if !track.IsValidTrickRate(r) {
		return fmt.Errorf("player: unsupported rate %v", r)
	}

	p.mu.Lock()
	current := p.rate
	p.mu.Unlock()

	if r == current {
		if r == 0 {
			p.togglePause()
		}
		if p.Bus != nil {
			p.Bus.Emit(event.SpeedChanged, event.SpeedChangedPayload{Rate: r})
		}
		return nil
	}

	p.mu.Lock()
	p.rate = r
	lastAt := p.lastProgressAt
	lastPosMs := p.lastProgressPosMs
	p.mu.Unlock()

	if r == 0 {
		p.mu.Lock()
		p.pausedPipeline = false
		p.mu.Unlock()
		p.togglePause()
		if p.Bus != nil {
			p.Bus.Emit(event.SpeedChanged, event.SpeedChangedPayload{Rate: r})
		}
		return nil
	}
	if r == 1 {
		p.setState(Playing)
	}

	elapsed := time.Since(lastAt)
	seekPosSec := float64(lastPosMs) / 1000
	frameDurationSec := vodTrickFrameDurationSec(p.Config.Trickplay.VODFPS)
	switch {
	case lastAt.IsZero():
		// no progress observed yet; seek at the last reported position as-is.
	case elapsed <= rewindBackThresholdMs*time.Millisecond:
		seekPosSec -= frameDurationSec
	case elapsed <= rewindKeepThresholdMs*time.Millisecond:
		// keep the currently displayed frame.
	default:
		seekPosSec += frameDurationSec
	}
	if seekPosSec < 0 {
		seekPosSec = 0
	}

	p.mu.Lock()
	p.seekPosSec = seekPosSec
	url := p.tuneURL
	p.mu.Unlock()

	if p.Bus != nil {
		p.Bus.Emit(event.SpeedChanged, event.SpeedChangedPayload{Rate: r})
	}

	return p.tune(ctx, url, stream.TuneSeek)
}

func vodTrickFrameDurationSec(fps int) float64 {
	if fps <= 0 {
		fps = 4
	}
	return 1.0 / float64(fps)
}

func (p *PlayerCore) togglePause() {
	p.mu.Lock()
	p.pausedPipeline = !p.pausedPipeline
	paused := p.pausedPipeline
	p.mu.Unlock()
	if p.Sink != nil {
		p.Sink.Pause(paused)
	}
	if paused {
		p.setState(Paused)
	} else {
		p.setState(Playing)
	}
}

// NotifyPTSError records a PTS error occurrence and schedules a retune
// once Config.Playback.PTSErrorThreshold errors (4 when unset) have landed
// within maxTimeBetweenUnderflowsToTriggerRetuneMs (§4.8).
func (p *PlayerCore) NotifyPTSError(ctx context.Context) {
	now := time.Now()
	window := maxTimeBetweenUnderflowsToTriggerRetuneMs * time.Millisecond

	p.mu.Lock()
	kept := p.ptsErrorTimestamps[:0]
	for _, ts := range p.ptsErrorTimestamps {
		if now.Sub(ts) <= window {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	p.ptsErrorTimestamps = kept
	threshold := p.Config.Playback.PTSErrorThreshold
	if threshold <= 0 {
		threshold = 4
	}
	trigger := len(p.ptsErrorTimestamps) >= threshold
	if trigger {
		p.ptsErrorTimestamps = nil
	}
	p.mu.Unlock()

	if trigger {
		go p.Retune(ctx)
	}
}

// Retune implements §4.8's retune algorithm: preserves the current play
// position and re-enters Tune with tuneType=RETUNE. Only one retune per
// PlayerCore runs concurrently; others observe the in-progress flag.
func (p *PlayerCore) Retune(ctx context.Context) {
	p.mu.Lock()
	if p.retuneInProgress {
		p.mu.Unlock()
		return
	}
	p.retuneInProgress = true
	posMs := p.lastProgressPosMs
	url := p.tuneURL
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.retuneInProgress = false
		p.mu.Unlock()
		p.cond.Broadcast()
	}()

	p.mu.Lock()
	p.seekPosSec = float64(posMs) / 1000
	p.mu.Unlock()

	if err := p.tune(ctx, url, stream.TuneRetune); err != nil {
		p.Logger.Warn("retune failed", slog.Any("error", err))
	}
}

// handleDiscontinuity implements the 4-step discontinuity-processing
// algorithm (§4.8), deferred onto PlayerCore.MainLoop by the
// StreamAbstraction so it never runs on a track's injection goroutine.
func (p *PlayerCore) handleDiscontinuity(mediaType sink.MediaType) {
	p.mu.Lock()
	p.pendingDiscontinuityOperation = true
	abstraction := p.abstraction
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.pendingDiscontinuityOperation = false
		p.mu.Unlock()
		p.cond.Broadcast()
	}()

	if abstraction == nil {
		return
	}

	// Step 2: stop the current StreamAbstraction without clearing channel
	// data (no SetIndex reset; Stop only halts the fetch/inject loops).
	abstraction.Stop()
	if p.Config.Playback.MPDDiscontinuityHandling {
		p.Sink.Flush(float64(p.GetPositionMs())/1000, p.Rate())
	} else {
		p.Sink.Stop(true)
	}

	// Step 3: reconfigure the sink with the current formats and restart
	// the StreamAbstraction at the current point. This engine's minimal
	// rebuild re-enters the normal retune path rather than duplicating
	// Init's per-format sink reconfiguration, since retune already does
	// both atomically.
	p.Logger.Info("discontinuity rebuild", slog.String("media_type", mediaType.String()))
	go p.Retune(context.Background())
}

// DisableDownloads implements §5's cancellation model: sets the master
// flag every in-flight fetch loop observes on its next poll, then aborts
// any buffer waits so producers unblock immediately.
func (p *PlayerCore) DisableDownloads() {
	p.mu.Lock()
	p.downloadsEnabled = false
	a := p.abstraction
	p.mu.Unlock()
	p.cond.Broadcast()

	if a == nil {
		return
	}
	for _, t := range a.Tracks() {
		t.Buffer.Abort(true)
	}
}

// EnableDownloads clears the flag DisableDownloads set.
func (p *PlayerCore) EnableDownloads() {
	p.mu.Lock()
	p.downloadsEnabled = true
	p.mu.Unlock()
}

// teardown implements §4.8's Teardown: wait on any in-flight retune (other
// than the one calling it, when fromRetune is set) and discontinuity
// operation, then destroy the StreamAbstraction and either flush or stop
// the sink depending on whether this is a new tune.
func (p *PlayerCore) teardown(isNewTune, fromRetune bool) {
	p.mu.Lock()
	for (p.retuneInProgress && !fromRetune) || p.pendingDiscontinuityOperation {
		p.cond.Wait()
	}
	abstraction := p.abstraction
	p.abstraction = nil
	refreshCancel := p.refreshCancel
	progressCancel := p.progressCancel
	p.mu.Unlock()

	if refreshCancel != nil {
		refreshCancel()
	}
	if progressCancel != nil {
		progressCancel()
	}
	p.MainLoop.Close()
	p.MainLoop = mainloop.New()

	if abstraction != nil {
		abstraction.Stop()
	}
	p.wg.Wait()

	if p.Sink != nil {
		if isNewTune {
			p.Sink.Stop(false)
		} else {
			p.Sink.Flush(float64(p.GetPositionMs())/1000, p.Rate())
		}
	}
}

// Stop implements §4.8/§5's full teardown: wait on any in-flight
// retune/discontinuity operation, tear down the stream, and return to
// IDLE.
func (p *PlayerCore) Stop() {
	p.teardown(true, false)
	p.setState(Idle)
}

// Status returns a JSON-serializable snapshot for the host's debug
// surface (cmd/aampcli's /status endpoint).
func (p *PlayerCore) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		State:            p.state.String(),
		Rate:             p.rate,
		PositionMs:       p.lastProgressPosMs,
		DurationMs:       int64(p.durationSec * 1000),
		TuneURL:          p.tuneURL,
		CurrentDrmSystem: p.currentDrmSystem,
		PendingAdURL:     p.pendingAdURL,
	}
	if p.abstraction != nil {
		st.Live = p.abstraction.IsLive()
	}
	return st
}

// Block transitions PlayerCore to BLOCKED on a content-restriction signal
// from the external tuner (§4.8); downloads are disabled so no further
// fragments are fetched while blocked.
func (p *PlayerCore) Block() {
	p.DisableDownloads()
	p.setState(Blocked)
}

// Unblock clears a prior Block, re-enabling downloads and resuming
// playback at the state the rate implies.
func (p *PlayerCore) Unblock() {
	p.EnableDownloads()
	if p.Rate() == 0 {
		p.setState(Paused)
	} else {
		p.setState(Playing)
	}
}
