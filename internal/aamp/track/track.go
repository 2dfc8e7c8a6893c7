// Package track implements MediaTrack: the per-elementary-stream
// fetch/inject pipeline described in §3/§4.4. One MediaTrack exists per
// sink.MediaType participating in the current tune; StreamAbstraction
// owns the set of tracks and wires each one to the shared Downloader,
// drm.Manager, and sink.StreamSink for the session.
//
// A MediaTrack does not parse playlists or run ABR itself: its caller
// (StreamAbstraction) feeds it IndexNode/DrmMetadata snapshots via
// SetIndex and a chosen profile's bandwidth via SetCurrentBandwidth,
// the same separation of concerns the teacher draws between its relay
// loop and its playlist/bandwidth components.
package track

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/josephch/aamp-go/internal/aamp/buffer"
	"github.com/josephch/aamp-go/internal/aamp/downloader"
	"github.com/josephch/aamp-go/internal/aamp/drm"
	"github.com/josephch/aamp-go/internal/aamp/event"
	"github.com/josephch/aamp-go/internal/aamp/playlist"
	"github.com/josephch/aamp-go/internal/aamp/sink"
	"github.com/josephch/aamp-go/internal/aamp/tunerror"
)

// Failure budgets recovered from the original implementation's
// MAX_SEG_DOWNLOAD_FAIL_COUNT family of constants (§7, §8). These live
// here rather than internal/config because they bound a single track's
// internal retry bookkeeping, not a tunable the host is expected to set.
const (
	maxConsecutiveDownloadFailures = 10
	maxConsecutiveDecryptFailures  = 10
	maxConsecutiveInjectFailures   = 10
	maxConsecutiveSequenceGap      = 50

	defaultDecryptTimeout   = 3 * time.Second
	defaultStallTimeout     = 10 * time.Second
	injectBlockPollInterval = 10 * time.Millisecond
)

// MaxSeqNumberLagCount bounds the last-resort sequence-number track sync
// fallback (recovered from the original implementation's
// MAX_SEQ_NUMBER_LAG_COUNT, §4.x): if the audio and video tracks' first
// media sequence numbers diverge by more than this many fragments, the
// tracks are considered too desynchronized to align by sequence number
// and SyncTracks reports failure rather than guess.
const MaxSeqNumberLagCount = 50

// Hooks bundles the callbacks MediaTrack needs from its owning
// StreamAbstraction/PlayerCore. Plain functions, rather than an
// interface, so a single track can be exercised in tests without a
// bespoke fake implementing a dozen methods it doesn't care about.
type Hooks struct {
	// DownloadsEnabled gates the fetch loop without tearing it down;
	// nil means always enabled.
	DownloadsEnabled func() bool

	// InjectionBlocked reports the sink is not ready for more data yet
	// (BlockUntilGstreamerWantsData, §4.4 step 2); nil means never
	// blocked.
	InjectionBlocked func() bool

	// Discontinuity is invoked before injecting a fragment flagged
	// discontinuous. Returning true means the sink wants injection
	// stopped pending a stream rebuild.
	Discontinuity func(mediaType sink.MediaType) (stop bool)

	// OnPlaybackStall fires when fetched progress stalls for longer
	// than the stall timeout while downloads are enabled and the
	// buffer is not already full.
	OnPlaybackStall func()

	// OnFatal fires once a per-track failure budget is exhausted.
	OnFatal func(err *tunerror.TuneError)

	// AfterVideoFetch fires after each successfully published video
	// fragment, before the loop reserves its next slot, so the caller can
	// re-evaluate ABR against freshly sampled bandwidth (§4.5). Only ever
	// set on the video track.
	AfterVideoFetch func(ctx context.Context)

	// RampDown fires when a fragment download fails with an HTTP status
	// indicating the current profile is unreachable (404/500/503, §4.5
	// rampdown-on-error). retryPlayTargetSec is the failed fragment's own
	// start position, so the caller can re-seek the lower profile to the
	// same spot rather than skip ahead. Returns whether a rampdown/retry
	// was performed; false means the caller should fall through to normal
	// failure accounting. Only ever set on the video track, and only when
	// the platform is not timeshift-buffer-backed.
	RampDown func(ctx context.Context, retryPlayTargetSec float64) bool
}

func (h Hooks) downloadsEnabled() bool {
	if h.DownloadsEnabled == nil {
		return true
	}
	return h.DownloadsEnabled()
}

func (h Hooks) injectionBlocked() bool {
	if h.InjectionBlocked == nil {
		return false
	}
	return h.InjectionBlocked()
}

// TrickRates enumerates the playback speeds PlayerCore.SetRate accepts,
// recovered from the original implementation's AAMP_NORMAL_PLAY_RATE /
// AAMP_RATE_* trick-speed table (§4.8, §8). Negative values rewind;
// 0 pauses; 1 is normal play.
var TrickRates = []float64{-64, -32, -16, -4, -1, 0, 1, 4, 16, 32, 64}

// IsValidTrickRate reports whether rate is one of TrickRates.
func IsValidTrickRate(rate float64) bool {
	for _, r := range TrickRates {
		if r == rate {
			return true
		}
	}
	return false
}

// BufferHealth classifies a track's current buffered-duration margin.
type BufferHealth int

const (
	HealthGreen BufferHealth = iota
	HealthYellow
	HealthRed
)

// yellowThresholdSec is the buffered-duration floor below which a track
// is YELLOW rather than GREEN; at or below zero it is RED.
const yellowThresholdSec = 4.0

// String returns the health level's name.
func (h BufferHealth) String() string {
	switch h {
	case HealthGreen:
		return "GREEN"
	case HealthYellow:
		return "YELLOW"
	default:
		return "RED"
	}
}

func classifyBufferHealth(bufferedSec float64) BufferHealth {
	switch {
	case bufferedSec <= 0:
		return HealthRed
	case bufferedSec < yellowThresholdSec:
		return HealthYellow
	default:
		return HealthGreen
	}
}

// MediaTrack is one elementary-stream fetch/inject pipeline (§3, §4.4).
type MediaTrack struct {
	MediaType  sink.MediaType
	Buffer     *buffer.FragmentBuffer
	Downloader *downloader.Downloader
	Sink       sink.StreamSink
	DrmManager *drm.Manager
	Pacer      *TrackPacer
	Bus        *event.Bus
	Hooks      Hooks
	Logger     *slog.Logger

	mu sync.Mutex

	Enabled                       bool
	OutputFormat                  sink.Format
	CurrentBandwidthBps           int64
	ProfileIndex                  int
	PlayTargetSec                 float64
	PlaylistPositionSec           float64
	FragmentDurationSec           float64
	TargetDurationSec             float64
	NextMediaSequenceNumber       int64
	IndexFirstMediaSequenceNumber int64
	CurrentIdx                    int
	PlaylistURL                   string
	EffectiveURL                  string
	DiscontinuityPending          bool
	EOSReached                    bool
	BufferUnderrun                bool
	RefreshPlaylistRequested      bool
	AtEndOfPlaylist               bool
	ConsecutiveDownloadFailures   int
	ConsecutiveDecryptFailures    int
	ConsecutiveInjectFailures     int
	InjectedDurationSec           float64
	FetchedDurationSec            float64
	FirstIndexDone                bool

	Index                []playlist.IndexNode
	DrmMetaTable         []playlist.DrmMetadata
	PeriodStartPositions map[int]float64

	lastPublishAt time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a MediaTrack. pacer may be shared between the video and
// audio tracks of the same tune session; nil gets a private, effectively
// inert pacer.
func New(mediaType sink.MediaType, buf *buffer.FragmentBuffer, dl *downloader.Downloader, sk sink.StreamSink, drmMgr *drm.Manager, pacer *TrackPacer, bus *event.Bus, hooks Hooks, logger *slog.Logger) *MediaTrack {
	if logger == nil {
		logger = slog.Default()
	}
	if pacer == nil {
		pacer = NewTrackPacer()
	}
	return &MediaTrack{
		MediaType:  mediaType,
		Buffer:     buf,
		Downloader: dl,
		Sink:       sk,
		DrmManager: drmMgr,
		Pacer:      pacer,
		Bus:        bus,
		Hooks:      hooks,
		Logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// SetIndex installs a freshly parsed playlist snapshot (§4.7 rebind on
// manifest refresh). A sequence-number gap of maxConsecutiveSequenceGap
// or more since the last installed index is treated as having lost too
// much of the live window to recover and is reported as fatal; a smaller
// gap resyncs NextMediaSequenceNumber/CurrentIdx to the new window start.
func (t *MediaTrack) SetIndex(nodes []playlist.IndexNode, drmTable []playlist.DrmMetadata, firstSeq int64, targetDurationSec float64, periodStarts map[int]float64) {
	t.mu.Lock()

	if t.FirstIndexDone {
		gap := firstSeq - t.NextMediaSequenceNumber
		if gap >= maxConsecutiveSequenceGap {
			t.mu.Unlock()
			t.fatal(tunerror.New(tunerror.PlaybackStalled, false,
				fmt.Errorf("track: lost %d sequence numbers refreshing playlist", gap)))
			return
		}
		if gap > 0 {
			t.NextMediaSequenceNumber = firstSeq
			t.CurrentIdx = 0
			t.PlaylistPositionSec = 0
		}
	} else {
		t.NextMediaSequenceNumber = firstSeq
		t.FirstIndexDone = true
	}

	t.Index = nodes
	t.DrmMetaTable = drmTable
	t.IndexFirstMediaSequenceNumber = firstSeq
	t.TargetDurationSec = targetDurationSec
	t.PeriodStartPositions = periodStarts
	t.mu.Unlock()
}

// SetAtEnd marks whether the installed index is the final window of a
// VOD asset (HasEndListTag observed); fetch treats running out of nodes
// as EOS only when this is true, otherwise as "wait for a refresh".
func (t *MediaTrack) SetAtEnd(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.AtEndOfPlaylist = v
}

// SetCurrentBandwidth records the bitrate of the profile currently
// selected for this track, for BITRATE_CHANGED reporting by the caller.
func (t *MediaTrack) SetCurrentBandwidth(profileIndex int, bps int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ProfileIndex = profileIndex
	t.CurrentBandwidthBps = bps
}

// SetPlayTarget re-seeks the track to sec, the way a fresh Init does
// before Start, but safely against a fetch loop already running: it
// resets CurrentIdx/PlaylistPositionSec so selectNextNode re-scans the
// index from sec rather than continuing from wherever it left off.
func (t *MediaTrack) SetPlayTarget(sec float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.PlayTargetSec = sec
	t.CurrentIdx = 0
	t.PlaylistPositionSec = 0
}

// DrmMetadataBySha1 scans the track's current DRM context table for an
// entry matching sha1Hash, for deferred-license promotion (§4.6) once the
// caller's due-delay window elapses.
func (t *MediaTrack) DrmMetadataBySha1(sha1Hash string) (playlist.DrmMetadata, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, meta := range t.DrmMetaTable {
		if meta.Sha1Hash == sha1Hash {
			return meta, true
		}
	}
	return playlist.DrmMetadata{}, false
}

// ErrSequenceNumberSyncFailed is returned by SyncTracks when neither a
// shared VOD period start nor a live PDT delta is available and the
// audio/video tracks' first media sequence numbers diverge by more than
// MaxSeqNumberLagCount, leaving no reliable way to align them.
var ErrSequenceNumberSyncFailed = errors.New("track: sequence-number sync failed, tracks too far apart")

// SyncTracks derives audio's PlayTargetSec from video's already-set
// PlayTargetSec so both tracks start fetching the same moment in
// presentation time despite being indexed independently (§4.x). video
// and audio must already have SetIndex/PlayTargetSec applied. It tries,
// in order:
//
//  1. VOD period-based sync: map video's target into the Nth period
//     boundary crossed in its own index, then anchor audio at the same
//     ordinal period's start.
//  2. Live PDT-delta sync: align using the wall-clock delta between each
//     track's first indexed fragment's EXT-X-PROGRAM-DATE-TIME.
//  3. Sequence-number fallback: carry video's node offset within its
//     index over to the same offset in audio's index, only when the
//     tracks' first media sequence numbers are within
//     MaxSeqNumberLagCount of each other.
//
// If all three are inapplicable, audio keeps the uniform fallback target
// the caller already applied and SyncTracks returns
// ErrSequenceNumberSyncFailed.
func SyncTracks(video, audio *MediaTrack, isLive bool) error {
	if video == nil || audio == nil {
		return nil
	}

	video.mu.Lock()
	videoTarget := video.PlayTargetSec
	videoPeriods := video.PeriodStartPositions
	videoIndex := video.Index
	videoFirstSeq := video.IndexFirstMediaSequenceNumber
	video.mu.Unlock()

	audio.mu.Lock()
	defer audio.mu.Unlock()
	audioPeriods := audio.PeriodStartPositions
	audioIndex := audio.Index
	audioFirstSeq := audio.IndexFirstMediaSequenceNumber

	if !isLive {
		if videoPeriodStart, audioPeriodStart, ok := matchingPeriodStarts(videoPeriods, audioPeriods, videoTarget); ok {
			audio.PlayTargetSec = audioPeriodStart + (videoTarget - videoPeriodStart)
			audio.CurrentIdx = 0
			audio.PlaylistPositionSec = 0
			return nil
		}
	}

	if isLive && len(videoIndex) > 0 && len(audioIndex) > 0 &&
		videoIndex[0].ProgramDateTime != nil && audioIndex[0].ProgramDateTime != nil {
		deltaSec := audioIndex[0].ProgramDateTime.Sub(*videoIndex[0].ProgramDateTime).Seconds()
		audio.PlayTargetSec = videoTarget - deltaSec
		audio.CurrentIdx = 0
		audio.PlaylistPositionSec = 0
		return nil
	}

	lag := audioFirstSeq - videoFirstSeq
	if lag < 0 {
		lag = -lag
	}
	if lag <= MaxSeqNumberLagCount && len(videoIndex) > 0 && len(audioIndex) > 0 {
		idx := nodeIndexForTarget(videoIndex, videoTarget)
		vnode := videoIndex[idx]
		offsetSec := videoTarget - (vnode.CompletionTimeFromStartSec - vnode.DurationSec)
		if idx >= len(audioIndex) {
			idx = len(audioIndex) - 1
		}
		node := audioIndex[idx]
		audio.PlayTargetSec = node.CompletionTimeFromStartSec - node.DurationSec + offsetSec
		audio.CurrentIdx = 0
		audio.PlaylistPositionSec = 0
		return nil
	}

	return ErrSequenceNumberSyncFailed
}

// matchingPeriodStarts finds the ordinal VOD period videoTarget falls
// into within videoPeriods (keyed by node index, valued by the period's
// start position in seconds, per playlist.Result.PeriodStartPositions)
// and returns that period's start position in both video's and audio's
// own index, when both tracks observed at least that many period
// boundaries.
func matchingPeriodStarts(videoPeriods, audioPeriods map[int]float64, videoTarget float64) (videoStart, audioStart float64, ok bool) {
	videoStarts := periodStartsSorted(videoPeriods)
	audioStarts := periodStartsSorted(audioPeriods)
	if len(videoStarts) == 0 || len(audioStarts) == 0 {
		return 0, 0, false
	}

	periodIdx := 0
	for i, start := range videoStarts {
		if start <= videoTarget {
			periodIdx = i + 1
		}
	}
	if periodIdx == 0 || periodIdx > len(audioStarts) {
		return 0, 0, false
	}
	return videoStarts[periodIdx-1], audioStarts[periodIdx-1], true
}

func periodStartsSorted(positions map[int]float64) []float64 {
	starts := make([]float64, 0, len(positions))
	for _, v := range positions {
		starts = append(starts, v)
	}
	sort.Float64s(starts)
	return starts
}

// nodeIndexForTarget returns the index of the node covering targetSec
// within index, the same scan selectNextNode performs for a fresh seek.
func nodeIndexForTarget(index []playlist.IndexNode, targetSec float64) int {
	for i, node := range index {
		if node.CompletionTimeFromStartSec+node.DurationSec >= targetSec {
			return i
		}
	}
	return len(index) - 1
}

// Start launches the fetch and inject goroutines.
func (t *MediaTrack) Start(ctx context.Context) {
	t.mu.Lock()
	t.Enabled = true
	t.mu.Unlock()
	t.wg.Add(2)
	go t.fetchLoop(ctx)
	go t.injectLoop(ctx)
}

// Stop signals both loops to exit, aborts the buffer so any blocked
// Reserve/Consume call returns immediately, and waits for both
// goroutines to return.
func (t *MediaTrack) Stop() {
	t.mu.Lock()
	t.Enabled = false
	t.mu.Unlock()
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.Buffer.Abort(true)
	t.Pacer.SignalOthers()
	t.wg.Wait()
}

func (t *MediaTrack) fatal(err *tunerror.TuneError) {
	t.Logger.Error("media track fatal error",
		slog.String("media_type", t.MediaType.String()),
		slog.String("code", err.Code.String()),
		slog.Any("error", err.Err),
	)
	if t.Hooks.OnFatal != nil {
		t.Hooks.OnFatal(err)
	}
	if t.Bus != nil {
		t.Bus.Emit(event.TuneFailed, event.NewTuneFailedPayload(int(err.Code), err.Error(), err.Retryable))
	}
	t.Buffer.Abort(true)
}

// fetchLoop is the fetch side of §4.4: reserve a slot, pick the next
// fragment, download it, decrypt it if encrypted, publish it.
func (t *MediaTrack) fetchLoop(ctx context.Context) {
	defer t.wg.Done()

	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		if !t.Hooks.downloadsEnabled() {
			select {
			case <-t.stopCh:
				return
			case <-time.After(injectBlockPollInterval):
			}
			continue
		}

		frag := t.Buffer.ReserveWriteSlot()
		if frag == nil {
			return // buffer aborted
		}

		node, idx, ok := t.selectNextNode()
		if !ok {
			if t.isAtEnd() {
				t.markEOS()
				return
			}
			t.setRefreshRequested(true)
			select {
			case <-t.stopCh:
				return
			case <-time.After(injectBlockPollInterval):
			}
			continue
		}
		t.setRefreshRequested(false)

		body, err := t.downloadFragment(ctx, node)
		if err != nil {
			t.recordDownloadFailure(ctx, node, err)
			continue
		}
		t.mu.Lock()
		t.ConsecutiveDownloadFailures = 0
		t.mu.Unlock()

		if node.DrmContextIndex != playlist.NoDrmContext {
			if err := t.decryptFragment(ctx, node, body); err != nil {
				t.recordDecryptFailure(err)
				continue
			}
			t.mu.Lock()
			t.ConsecutiveDecryptFailures = 0
			t.mu.Unlock()
		}

		frag.Payload = body
		frag.PTSSec = t.currentPosition()
		frag.DTSSec = frag.PTSSec
		frag.DurationSec = node.DurationSec
		frag.MediaType = int(t.MediaType)
		frag.Discontinuity = node.Discontinuity
		frag.URI = node.FragmentURI

		t.Buffer.Publish(frag)

		t.mu.Lock()
		t.FetchedDurationSec += node.DurationSec
		t.PlaylistPositionSec = node.CompletionTimeFromStartSec + node.DurationSec
		t.NextMediaSequenceNumber++
		t.CurrentIdx = idx + 1
		t.lastPublishAt = time.Now()
		t.mu.Unlock()

		if t.MediaType == sink.Video && t.Hooks.AfterVideoFetch != nil {
			t.Hooks.AfterVideoFetch(ctx)
		}
	}
}

func (t *MediaTrack) currentPosition() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.PlaylistPositionSec
}

// selectNextNode picks the fragment to fetch next. On the very first
// call after a non-zero PlayTargetSec seek, it scans the index to find
// the node covering that target; afterward it simply advances
// sequentially from CurrentIdx, matching steady-state playback.
func (t *MediaTrack) selectNextNode() (playlist.IndexNode, int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.Index) == 0 {
		return playlist.IndexNode{}, 0, false
	}

	idx := t.CurrentIdx
	if idx == 0 && t.PlaylistPositionSec == 0 && t.PlayTargetSec > 0 {
		for i, node := range t.Index {
			if node.CompletionTimeFromStartSec+node.DurationSec >= t.PlayTargetSec {
				idx = i
				break
			}
			idx = i + 1
		}
	}

	if idx < 0 || idx >= len(t.Index) {
		return playlist.IndexNode{}, 0, false
	}
	return t.Index[idx], idx, true
}

func (t *MediaTrack) isAtEnd() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.AtEndOfPlaylist
}

func (t *MediaTrack) setRefreshRequested(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.RefreshPlaylistRequested = v
}

func (t *MediaTrack) markEOS() {
	t.mu.Lock()
	t.EOSReached = true
	t.mu.Unlock()
	t.Sink.EndOfStreamReached(t.MediaType)
	if t.Bus != nil {
		t.Bus.Emit(event.EOS, nil)
	}
}

func (t *MediaTrack) fileKind() downloader.FileKind {
	switch t.MediaType {
	case sink.Audio:
		return downloader.FileKindFragmentAudio
	case sink.Subtitle:
		return downloader.FileKindFragmentSubtitle
	default:
		return downloader.FileKindFragmentVideo
	}
}

func (t *MediaTrack) resolveURI(raw string) string {
	base, err := url.Parse(t.EffectiveURL)
	if err != nil {
		return raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return base.ResolveReference(ref).String()
}

func (t *MediaTrack) downloadFragment(ctx context.Context, node playlist.IndexNode) ([]byte, error) {
	req := downloader.Request{
		URL:      t.resolveURI(node.FragmentURI),
		FileKind: t.fileKind(),
		Cookies:  t.Downloader.LastCookies(),
		XReason:  t.Downloader.LastXReason(),
	}
	if node.ByteRange != nil {
		req.Range = downloader.Range{Offset: node.ByteRange.Offset, Length: node.ByteRange.Length}
	}

	result, err := t.Downloader.Get(ctx, req)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return nil, &fragmentHTTPError{status: result.HTTPStatus, err: fmt.Errorf("fragment download returned http %d", result.HTTPStatus)}
	}
	return result.Body, nil
}

// fragmentHTTPError wraps a fragment download's HTTP status so
// recordDownloadFailure can distinguish a rampdown-eligible status
// (404/500/503) from a transport error without string-matching.
type fragmentHTTPError struct {
	status int
	err    error
}

func (e *fragmentHTTPError) Error() string { return e.err.Error() }
func (e *fragmentHTTPError) Unwrap() error { return e.err }

func (t *MediaTrack) recordDownloadFailure(ctx context.Context, node playlist.IndexNode, err error) {
	if t.maybeRampDown(ctx, node, err) {
		return
	}

	t.mu.Lock()
	t.ConsecutiveDownloadFailures++
	fail := t.ConsecutiveDownloadFailures
	t.mu.Unlock()

	t.Logger.Warn("fragment download failed",
		slog.String("media_type", t.MediaType.String()),
		slog.String("uri", node.FragmentURI),
		slog.Int("consecutive_failures", fail),
		slog.Any("error", err),
	)

	if fail >= maxConsecutiveDownloadFailures {
		t.fatal(tunerror.New(tunerror.FragmentDownloadFailure, false, err))
	}
}

// rampdownEligibleStatuses are the HTTP statuses treated as "this
// profile is unreachable, try a lower one" rather than a transient
// per-fragment failure (§4.5).
var rampdownEligibleStatuses = map[int]bool{
	http.StatusNotFound:            true,
	http.StatusInternalServerError: true,
	http.StatusServiceUnavailable:  true,
}

// maybeRampDown inspects a fragment download failure for a rampdown-
// eligible HTTP status and, if the caller wired a RampDown hook and the
// platform isn't timeshift-buffer-backed, asks it to switch to a lower
// profile and retry the same position. Returns true when a rampdown was
// attempted, so the caller skips its own failure-counter bookkeeping for
// this attempt.
func (t *MediaTrack) maybeRampDown(ctx context.Context, node playlist.IndexNode, err error) bool {
	if t.Hooks.RampDown == nil {
		return false
	}
	var httpErr *fragmentHTTPError
	if !errors.As(err, &httpErr) || !rampdownEligibleStatuses[httpErr.status] {
		return false
	}

	retryTarget := node.CompletionTimeFromStartSec - node.DurationSec
	if retryTarget < 0 {
		retryTarget = 0
	}

	t.Logger.Warn("fragment download failed with rampdown-eligible status, switching profile",
		slog.String("media_type", t.MediaType.String()),
		slog.Int("http_status", httpErr.status),
		slog.Float64("retry_target_sec", retryTarget),
	)
	return t.Hooks.RampDown(ctx, retryTarget)
}

func (t *MediaTrack) decryptFragment(ctx context.Context, node playlist.IndexNode, body []byte) error {
	if node.DrmContextIndex < 0 || node.DrmContextIndex >= len(t.DrmMetaTable) {
		return fmt.Errorf("track: drm context index %d out of range", node.DrmContextIndex)
	}
	meta := t.DrmMetaTable[node.DrmContextIndex]
	drmMeta := drm.Metadata{Sha1Hash: meta.Sha1Hash, Blob: meta.Blob, Method: meta.Method, IV: meta.IV, KeyURI: meta.KeyURI}

	session := t.DrmManager.SessionFor(meta.Sha1Hash)
	session.SetMetaData(drmMeta)
	session.SetDecryptInfo(ctx, drmMeta)

	rc := session.Decrypt(ctx, t.MediaType.String(), body, defaultDecryptTimeout)
	if rc != drm.Success {
		return fmt.Errorf("drm decrypt failed (rc=%d): %w", rc, session.LastError())
	}
	return nil
}

func (t *MediaTrack) recordDecryptFailure(err error) {
	t.mu.Lock()
	t.ConsecutiveDecryptFailures++
	fail := t.ConsecutiveDecryptFailures
	t.mu.Unlock()

	t.Logger.Warn("fragment decrypt failed",
		slog.String("media_type", t.MediaType.String()),
		slog.Int("consecutive_failures", fail),
		slog.Any("error", err),
	)

	if fail >= maxConsecutiveDecryptFailures {
		t.fatal(tunerror.New(tunerror.DRMDecryptFailed, false, err))
	}
}

// injectLoop is the inject side of §4.4: consume a published fragment,
// wait for the sink to want data, handle discontinuities, send, release.
func (t *MediaTrack) injectLoop(ctx context.Context) {
	defer t.wg.Done()
	_ = ctx

	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		frag := t.Buffer.ConsumeReadSlot()
		if frag == nil {
			return // buffer aborted and drained
		}

		if !t.waitUntilSinkReady() {
			t.Buffer.Release(frag)
			return
		}

		t.Pacer.WaitIfAhead(t.MediaType == sink.Audio)

		if frag.Discontinuity && t.Hooks.Discontinuity != nil {
			if stop := t.Hooks.Discontinuity(t.MediaType); stop {
				t.mu.Lock()
				t.DiscontinuityPending = true
				t.mu.Unlock()
				t.Buffer.Release(frag)
				return
			}
		}

		err := t.Sink.Send(t.MediaType, frag.Payload, frag.PTSSec, frag.DTSSec, frag.DurationSec)
		if err != nil {
			t.recordInjectFailure(err)
		} else {
			t.onInjectSuccess(frag.DurationSec)
		}

		t.Buffer.Release(frag)
	}
}

func (t *MediaTrack) waitUntilSinkReady() bool {
	for t.Hooks.injectionBlocked() {
		select {
		case <-t.stopCh:
			return false
		case <-time.After(injectBlockPollInterval):
		}
	}
	return true
}

func (t *MediaTrack) onInjectSuccess(durationSec float64) {
	t.mu.Lock()
	t.ConsecutiveInjectFailures = 0
	t.InjectedDurationSec += durationSec
	injected := t.InjectedDurationSec
	t.mu.Unlock()

	switch t.MediaType {
	case sink.Video:
		t.Pacer.ReportVideoInjected(injected)
	case sink.Audio:
		t.Pacer.ReportAudioInjected(injected)
	}
}

func (t *MediaTrack) recordInjectFailure(err error) {
	t.mu.Lock()
	t.ConsecutiveInjectFailures++
	fail := t.ConsecutiveInjectFailures
	t.mu.Unlock()

	t.Logger.Warn("fragment inject failed",
		slog.String("media_type", t.MediaType.String()),
		slog.Int("consecutive_failures", fail),
		slog.Any("error", err),
	)

	if fail >= maxConsecutiveInjectFailures {
		t.fatal(tunerror.New(tunerror.GstPipelineError, false, err))
	}
}

// RunHealthMonitor blocks, classifying buffer health on interval after an
// initial startDelay, invoking onChange whenever the classification
// changes, until ctx is done or Stop is called. Also drives playback
// stall detection (§7 PLAYBACK_STALLED): if fetched progress has not
// advanced for longer than the stall timeout while downloads remain
// enabled and the buffer is not already full, OnPlaybackStall fires.
func (t *MediaTrack) RunHealthMonitor(ctx context.Context, startDelay, interval time.Duration, onChange func(BufferHealth)) {
	select {
	case <-time.After(startDelay):
	case <-ctx.Done():
		return
	case <-t.stopCh:
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := HealthGreen
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			health := classifyBufferHealth(t.Buffer.BufferedDurationSec())
			if health != last {
				t.Logger.Info("buffer health transition",
					slog.String("media_type", t.MediaType.String()),
					slog.String("from", last.String()),
					slog.String("to", health.String()),
				)
				t.mu.Lock()
				t.BufferUnderrun = health == HealthRed
				t.mu.Unlock()
				if onChange != nil {
					onChange(health)
				}
				last = health
			}
			t.checkStall()
		}
	}
}

func (t *MediaTrack) checkStall() {
	t.mu.Lock()
	last := t.lastPublishAt
	enabled := t.Enabled
	t.mu.Unlock()

	if !enabled || last.IsZero() {
		return
	}
	if time.Since(last) > defaultStallTimeout && t.Buffer.Count() < t.Buffer.Capacity() {
		if t.Hooks.OnPlaybackStall != nil {
			t.Hooks.OnPlaybackStall()
		}
	}
}
