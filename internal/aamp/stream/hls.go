package stream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"

	"github.com/josephch/aamp-go/internal/aamp/abr"
	"github.com/josephch/aamp-go/internal/aamp/buffer"
	"github.com/josephch/aamp-go/internal/aamp/downloader"
	"github.com/josephch/aamp-go/internal/aamp/drm"
	"github.com/josephch/aamp-go/internal/aamp/event"
	"github.com/josephch/aamp-go/internal/aamp/mainloop"
	"github.com/josephch/aamp-go/internal/aamp/playlist"
	"github.com/josephch/aamp-go/internal/aamp/sink"
	"github.com/josephch/aamp-go/internal/aamp/track"
	"github.com/josephch/aamp-go/internal/aamp/tunerror"
)

// lowBufferThresholdSec mirrors track's YELLOW health boundary; the
// manifest refresh loop halves its interval once a track drops below it,
// matching the "adjusted down under low buffer" behavior (§4.7).
const lowBufferThresholdSec = 4.0

// HLS implements Abstraction for the HLS protocol family, to full
// depth: master-manifest resolution, language-matched audio variant
// selection, per-track fetch/inject pipelines, and live manifest
// refresh (§4.7).
type HLS struct {
	MasterURL  string
	Downloader *downloader.Downloader
	Sink       sink.StreamSink
	DrmManager *drm.Manager
	Bus        *event.Bus
	Logger     *slog.Logger
	Config     Config
	ABR        *abr.Controller

	// MainLoop, if set, receives deferred discontinuity-rebuild tasks so
	// they never run on a track's injection goroutine (§9).
	MainLoop *mainloop.Queue
	// OnDiscontinuity, if set, is invoked on MainLoop for a discontinuous
	// fragment boundary observed on mediaType.
	OnDiscontinuity func(mediaType sink.MediaType)

	// PersistedBandwidthBps seeds initial profile selection from a prior
	// tune's measured bandwidth, 0 meaning "use the static default".
	PersistedBandwidthBps int64

	// DownloadsEnabled, OnFatal and OnPlaybackStall are forwarded to every
	// track's Hooks so PlayerCore's DisableDownloads/error-propagation
	// policy (§5, §7) reaches the fetch/inject goroutines without this
	// package knowing about PlayerCore.
	DownloadsEnabled func() bool
	OnFatal          func(err *tunerror.TuneError)
	OnPlaybackStall  func()

	mu                      sync.Mutex
	master                  *playlist.Master
	selectedProfileIdx      int
	profiles                []abr.ProfileSummary
	tracks                  map[sink.MediaType]*track.MediaTrack
	pacer                   *track.TrackPacer
	playlistType            playlist.PlaylistType
	totalDurationSec        float64
	isLive                  bool
	processingDiscontinuity bool
	effectiveMasterURL      string

	// entropySource seeds DeferredLicenseWindowSec so this tune session's
	// deferred-license deadline differs from every other session's,
	// standing in for the original's device-MAC-based load distribution
	// (see drm.DeferredLicenseWindowSec). Fixed for the lifetime of one
	// HLS coordinator.
	entropySource string

	deferredSha1        string
	deferredDueDelaySec float64
	hasDeferredLicense  bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

var _ Abstraction = (*HLS)(nil)

// NewHLS constructs an HLS coordinator in its pre-Init state.
func NewHLS(masterURL string, dl *downloader.Downloader, sk sink.StreamSink, drmMgr *drm.Manager, bus *event.Bus, abrCtl *abr.Controller, logger *slog.Logger) *HLS {
	if logger == nil {
		logger = slog.Default()
	}
	if abrCtl == nil {
		abrCtl = abr.NewController()
	}
	return &HLS{
		MasterURL:     masterURL,
		Downloader:    dl,
		Sink:          sk,
		DrmManager:    drmMgr,
		Bus:           bus,
		Config:        DefaultConfig(),
		ABR:           abrCtl,
		Logger:        logger,
		tracks:        make(map[sink.MediaType]*track.MediaTrack),
		pacer:         track.NewTrackPacer(),
		entropySource: uuid.NewString(),
		stopCh:        make(chan struct{}),
	}
}

// Init implements Abstraction (§4.7 step 1-7).
func (h *HLS) Init(ctx context.Context, tuneType TuneType) error {
	h.ABR.MarkTuneStart(time.Now())

	masterBody, effectiveMasterURL, err := h.downloadMaster(ctx)
	if err != nil {
		return err
	}
	master, err := playlist.ParseMaster(masterBody)
	if err != nil {
		return tunerror.New(tunerror.ManifestReqFailed, false, err)
	}
	if len(master.Profiles) == 0 {
		return tunerror.New(tunerror.ManifestReqFailed, false, fmt.Errorf("stream: master manifest has no video profiles"))
	}

	h.mu.Lock()
	h.master = master
	h.effectiveMasterURL = effectiveMasterURL
	h.mu.Unlock()

	profiles := toProfileSummaries(master.Profiles)
	selectedIdx := resolveInitialProfile(profiles, h.Config, h.PersistedBandwidthBps)

	h.mu.Lock()
	h.profiles = profiles
	h.selectedProfileIdx = selectedIdx
	h.mu.Unlock()

	videoProfile := master.Profiles[selectedIdx]
	videoURL := resolveURI(effectiveMasterURL, videoProfile.URI)

	videoResult, videoEffURL, err := h.fetchMediaPlaylist(ctx, videoURL)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.playlistType = videoResult.PlaylistType
	h.isLive = videoResult.PlaylistType != playlist.PlaylistVOD && !videoResult.HasEndListTag
	h.totalDurationSec = videoResult.TotalDurationSec
	if videoResult.HasDeferredLicense {
		h.deferredSha1 = videoResult.DeferredSha1
		h.deferredDueDelaySec = videoResult.DeferredDueDelaySec
		h.hasDeferredLicense = true
	}
	h.mu.Unlock()

	videoTrack := h.buildTrack(sink.Video, videoURL, videoEffURL)
	videoTrack.SetIndex(videoResult.IndexNodes, videoResult.DrmMetaTable, videoResult.FirstMediaSequenceNumber, videoResult.TargetDurationSec, videoResult.PeriodStartPositions)
	videoTrack.SetAtEnd(videoResult.HasEndListTag)
	videoTrack.SetCurrentBandwidth(selectedIdx, videoProfile.BandwidthBps)
	videoTrack.FragmentDurationSec = videoResult.TargetDurationSec
	h.pacer.SetFragmentDuration(videoResult.TargetDurationSec)

	h.mu.Lock()
	h.tracks[sink.Video] = videoTrack
	h.mu.Unlock()

	if audioVariant := selectAudioVariant(master.Variants, h.Config.PreferredLanguage); audioVariant != nil && audioVariant.URI != "" {
		audioURL := resolveURI(effectiveMasterURL, audioVariant.URI)
		audioResult, audioEffURL, err := h.fetchMediaPlaylist(ctx, audioURL)
		if err != nil {
			h.Logger.Warn("audio playlist fetch failed, continuing video-only", slog.Any("error", err))
		} else {
			audioTrack := h.buildTrack(sink.Audio, audioURL, audioEffURL)
			audioTrack.SetIndex(audioResult.IndexNodes, audioResult.DrmMetaTable, audioResult.FirstMediaSequenceNumber, audioResult.TargetDurationSec, audioResult.PeriodStartPositions)
			audioTrack.SetAtEnd(audioResult.HasEndListTag)
			h.mu.Lock()
			h.tracks[sink.Audio] = audioTrack
			h.mu.Unlock()
		}
	} else {
		h.pacer.Disable() // no separate audio track: pacing between nonexistent tracks is meaningless
	}

	playTarget := h.Config.SeekPositionSec
	if h.isLive {
		offset := h.Config.LiveOffsetSec
		if h.Config.IsCDVR {
			offset = h.Config.CDVRLiveOffsetSec
		}
		playTarget = h.totalDurationSec - offset
		if playTarget < 0 {
			playTarget = 0
		}
		emitEnteringLive(h.Bus)
	}

	if playTarget < 0 || (!h.isLive && h.totalDurationSec > 0 && playTarget > h.totalDurationSec) {
		return &SeekRangeError{RequestedSec: playTarget, MinSec: 0, MaxSec: h.totalDurationSec}
	}

	h.mu.Lock()
	for _, t := range h.tracks {
		t.PlayTargetSec = playTarget
		t.Hooks.Discontinuity = h.handleDiscontinuity
	}
	audioTrackForSync := h.tracks[sink.Audio]
	videoTrackForSync := h.tracks[sink.Video]
	isLiveForSync := h.isLive
	h.mu.Unlock()

	if audioTrackForSync != nil && videoTrackForSync != nil {
		if err := track.SyncTracks(videoTrackForSync, audioTrackForSync, isLiveForSync); err != nil {
			h.Logger.Warn("track sync failed, audio and video fetch the same uniform target",
				slog.String("code", tunerror.TrackSyncFailed.String()), slog.Any("error", err))
		}
	}

	if err := h.configureSink(videoProfile); err != nil {
		return tunerror.New(tunerror.GstPipelineError, false, err)
	}

	emitPlaylistIndexed(h.Bus)
	emitMediaMetadata(h.Bus, h.mediaMetadataPayload())

	h.mu.Lock()
	for _, t := range h.tracks {
		t.Start(ctx)
	}
	h.mu.Unlock()

	return nil
}

func (h *HLS) buildTrack(mediaType sink.MediaType, playlistURL, effectiveURL string) *track.MediaTrack {
	capacity := h.Config.FragmentCacheLength
	if capacity <= 0 {
		capacity = 3
	}
	buf := buffer.New(capacity)
	hooks := track.Hooks{
		DownloadsEnabled: h.DownloadsEnabled,
		OnFatal:          h.OnFatal,
		OnPlaybackStall:  h.OnPlaybackStall,
	}
	t := track.New(mediaType, buf, h.Downloader, h.Sink, h.DrmManager, h.pacer, h.Bus, hooks, h.Logger)
	t.PlaylistURL = playlistURL
	t.EffectiveURL = effectiveURL

	if mediaType == sink.Video {
		t.Hooks.AfterVideoFetch = func(ctx context.Context) { h.reevaluateABR(ctx, t) }
		if !h.Config.TSBEnabled {
			t.Hooks.RampDown = func(ctx context.Context, retryPlayTargetSec float64) bool {
				return h.rampDownVideo(ctx, t, retryPlayTargetSec)
			}
		}
	}
	return t
}

// reevaluateABR re-selects the video profile after each fetched fragment
// using the bandwidth the downloader most recently sampled, switching the
// playlist and emitting BITRATE_CHANGED when the selection moves (§4.5).
func (h *HLS) reevaluateABR(ctx context.Context, vt *track.MediaTrack) {
	h.mu.Lock()
	profiles := h.profiles
	curIdx := h.selectedProfileIdx
	h.mu.Unlock()
	if len(profiles) == 0 {
		return
	}

	newIdx := h.ABR.SelectProfile(time.Now(), profiles, curIdx)
	if newIdx == curIdx {
		return
	}
	h.switchProfile(ctx, vt, newIdx, 0, false)
}

// rampDownVideo is the RampDown hook: on a rampdown-eligible fragment
// failure it steps to the profile one below the current one (ignoring
// iframe tracks) and retries the same temporal position.
func (h *HLS) rampDownVideo(ctx context.Context, vt *track.MediaTrack, retryPlayTargetSec float64) bool {
	h.mu.Lock()
	profiles := h.profiles
	curIdx := h.selectedProfileIdx
	h.mu.Unlock()
	if len(profiles) == 0 {
		return false
	}

	newIdx := abr.GetRampedDownProfileIndex(profiles, curIdx)
	if newIdx == curIdx {
		return false
	}
	return h.switchProfile(ctx, vt, newIdx, retryPlayTargetSec, true)
}

// switchProfile re-fetches the video playlist for master.Profiles[newIdx],
// rebinds vt to it, and emits BITRATE_CHANGED. When isRetry is true, vt is
// re-seeked to retryPlayTargetSec so the caller's failed fragment is
// re-fetched at the new profile rather than skipped past.
func (h *HLS) switchProfile(ctx context.Context, vt *track.MediaTrack, newIdx int, retryPlayTargetSec float64, isRetry bool) bool {
	h.mu.Lock()
	if newIdx < 0 || newIdx >= len(h.master.Profiles) {
		h.mu.Unlock()
		return false
	}
	newProfile := h.master.Profiles[newIdx]
	newURL := resolveURI(h.effectiveMasterURL, newProfile.URI)
	h.mu.Unlock()

	result, effURL, err := h.fetchMediaPlaylist(ctx, newURL)
	if err != nil {
		h.Logger.Warn("profile switch playlist fetch failed", slog.Int("profile_index", newIdx), slog.Any("error", err))
		return false
	}

	vt.PlaylistURL = newURL
	vt.EffectiveURL = effURL
	vt.SetIndex(result.IndexNodes, result.DrmMetaTable, result.FirstMediaSequenceNumber, result.TargetDurationSec, result.PeriodStartPositions)
	vt.SetAtEnd(result.HasEndListTag)
	vt.SetCurrentBandwidth(newIdx, newProfile.BandwidthBps)
	if isRetry {
		vt.SetPlayTarget(retryPlayTargetSec)
	}

	h.mu.Lock()
	h.selectedProfileIdx = newIdx
	h.mu.Unlock()

	emitBitrateChanged(h.Bus, event.BitrateChangedPayload{
		TimeMs:  time.Now().UnixMilli(),
		Bitrate: newProfile.BandwidthBps,
		Width:   newProfile.Width,
		Height:  newProfile.Height,
	})
	return true
}

// DeferredLicense implements Abstraction.
func (h *HLS) DeferredLicense() (sha1 string, dueDelaySec float64, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deferredSha1, h.deferredDueDelaySec, h.hasDeferredLicense
}

func (h *HLS) configureSink(videoProfile playlist.Profile) error {
	videoFmt := sink.Format{Codecs: videoProfile.Codecs, Width: videoProfile.Width, Height: videoProfile.Height}
	audioFmt := sink.Format{}
	return h.Sink.Configure(videoFmt, audioFmt, true)
}

func (h *HLS) mediaMetadataPayload() event.MediaMetadataPayload {
	h.mu.Lock()
	defer h.mu.Unlock()

	var languages []string
	var bitrates []int64
	for _, p := range h.master.Profiles {
		if !p.IsIframeTrack {
			bitrates = append(bitrates, p.BandwidthBps)
		}
	}
	for _, v := range h.master.Variants {
		if v.Type == playlist.MediaAudio {
			languages = append(languages, v.LanguageTag)
		}
	}
	videoProfile := h.master.Profiles[h.selectedProfileIdx]
	return event.MediaMetadataPayload{
		DurationMs: int64(h.totalDurationSec * 1000),
		Languages:  languages,
		Bitrates:   bitrates,
		Width:      videoProfile.Width,
		Height:     videoProfile.Height,
		HasDRM:     h.DrmManager != nil,
	}
}

func (h *HLS) downloadMaster(ctx context.Context) ([]byte, string, error) {
	attempts := h.Config.MasterManifestMaxAttempts
	if attempts <= 0 {
		attempts = 3
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		result, err := h.Downloader.Get(ctx, downloader.Request{URL: h.MasterURL, FileKind: downloader.FileKindManifest})
		if err == nil && result.OK {
			return result.Body, result.EffectiveURL, nil
		}
		lastErr = err
		if result == nil || result.HTTPStatus != http.StatusNotFound {
			break
		}
	}
	return nil, "", tunerror.New(tunerror.ManifestReqFailed, true, lastErr)
}

func (h *HLS) fetchMediaPlaylist(ctx context.Context, playlistURL string) (*playlist.Result, string, error) {
	body, effURL, err := h.fetchPlaylistBody(ctx, playlistURL)
	if err != nil {
		return nil, "", err
	}
	result, err := playlist.Parse(body, playlist.Options{
		Logger: h.Logger,
		DeferredLicenseWindowFunc: func(maxTimeSec float64) (lowerSec, upperSec float64) {
			return drm.DeferredLicenseWindowSec(h.entropySource, maxTimeSec)
		},
	})
	if err != nil {
		return nil, "", tunerror.New(tunerror.ManifestReqFailed, false, err)
	}
	return result, effURL, nil
}

func (h *HLS) fetchPlaylistBody(ctx context.Context, playlistURL string) ([]byte, string, error) {
	result, err := h.Downloader.Get(ctx, downloader.Request{URL: playlistURL, FileKind: downloader.FileKindManifest})
	if err != nil {
		return nil, "", err
	}
	if !result.OK {
		return nil, "", tunerror.NewHTTP(tunerror.ManifestReqFailed, result.HTTPStatus, true, fmt.Errorf("media playlist http %d", result.HTTPStatus))
	}
	return result.Body, result.EffectiveURL, nil
}

func (h *HLS) handleDiscontinuity(mediaType sink.MediaType) bool {
	h.mu.Lock()
	h.processingDiscontinuity = true
	h.mu.Unlock()

	finish := func() {
		h.mu.Lock()
		h.processingDiscontinuity = false
		h.mu.Unlock()
	}

	if h.MainLoop != nil {
		h.MainLoop.Post(func() {
			if h.OnDiscontinuity != nil {
				h.OnDiscontinuity(mediaType)
			}
			finish()
		})
	} else {
		if h.OnDiscontinuity != nil {
			h.OnDiscontinuity(mediaType)
		}
		finish()
	}
	return false
}

// Tracks implements Abstraction.
func (h *HLS) Tracks() map[sink.MediaType]*track.MediaTrack {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[sink.MediaType]*track.MediaTrack, len(h.tracks))
	for k, v := range h.tracks {
		out[k] = v
	}
	return out
}

// Stop implements Abstraction.
func (h *HLS) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.mu.Lock()
	tracks := make([]*track.MediaTrack, 0, len(h.tracks))
	for _, t := range h.tracks {
		tracks = append(tracks, t)
	}
	h.mu.Unlock()
	for _, t := range tracks {
		t.Stop()
	}
}

// IsLive implements Abstraction.
func (h *HLS) IsLive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.isLive
}

// TotalDurationSec implements Abstraction.
func (h *HLS) TotalDurationSec() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.totalDurationSec
}

// IsProcessingDiscontinuity implements Abstraction.
func (h *HLS) IsProcessingDiscontinuity() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.processingDiscontinuity
}

func (h *HLS) videoTrack() *track.MediaTrack {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tracks[sink.Video]
}

// RunRefreshLoop implements Abstraction: live-only periodic manifest
// refresh at an interval capped by 1.5x the target duration and the
// configured maximum, shortened further when a track's buffer runs low
// (§4.7).
func (h *HLS) RunRefreshLoop(ctx context.Context) {
	if !h.IsLive() {
		return
	}

	interval := h.refreshInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.refreshOnce(ctx)
			if next := h.refreshInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func (h *HLS) refreshInterval() time.Duration {
	vt := h.videoTrack()
	base := h.Config.MaxIntervalBtwPlaylistUpdate
	if base <= 0 {
		base = 6 * time.Second
	}
	if vt == nil {
		return base
	}
	if candidate := time.Duration(1.5 * vt.TargetDurationSec * float64(time.Second)); candidate > 0 && candidate < base {
		base = candidate
	}
	if vt.Buffer.BufferedDurationSec() < lowBufferThresholdSec {
		base /= 2
	}
	if base <= 0 {
		base = time.Second
	}
	return base
}

func (h *HLS) refreshOnce(ctx context.Context) {
	for mediaType, t := range h.Tracks() {
		result, effURL, err := h.fetchMediaPlaylist(ctx, t.PlaylistURL)
		if err != nil {
			h.Logger.Warn("manifest refresh failed", slog.String("media_type", mediaType.String()), slog.Any("error", err))
			continue
		}

		culledSegments := result.FirstMediaSequenceNumber - t.IndexFirstMediaSequenceNumber
		t.EffectiveURL = effURL
		t.SetIndex(result.IndexNodes, result.DrmMetaTable, result.FirstMediaSequenceNumber, result.TargetDurationSec, result.PeriodStartPositions)
		t.SetAtEnd(result.HasEndListTag)

		if mediaType == sink.Video {
			h.mu.Lock()
			h.totalDurationSec = result.TotalDurationSec
			h.isLive = result.PlaylistType != playlist.PlaylistVOD && !result.HasEndListTag
			h.mu.Unlock()
		}

		if culledSegments > 0 {
			h.Logger.Info("playlist window advanced",
				slog.String("media_type", mediaType.String()),
				slog.Int64("culled_segments", culledSegments),
				slog.Float64("culled_sec", float64(culledSegments)*result.TargetDurationSec),
			)
		}
	}
}

func toProfileSummaries(profiles []playlist.Profile) []abr.ProfileSummary {
	out := make([]abr.ProfileSummary, len(profiles))
	for i, p := range profiles {
		out[i] = abr.ProfileSummary{Index: i, IsIframeTrack: p.IsIframeTrack, BandwidthBps: p.BandwidthBps, Height: p.Height}
	}
	return out
}

// resolveURI resolves raw (possibly relative) against base, falling back
// to raw verbatim if either fails to parse.
func resolveURI(base, raw string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return baseURL.ResolveReference(ref).String()
}

// selectAudioVariant picks the EXT-X-MEDIA audio rendition matching
// preferred (a BCP-47 tag) via golang.org/x/text/language, falling back
// to the DEFAULT=YES variant, then "en", then the first available.
func selectAudioVariant(variants []playlist.Variant, preferred string) *playlist.Variant {
	var audio []playlist.Variant
	for _, v := range variants {
		if v.Type == playlist.MediaAudio {
			audio = append(audio, v)
		}
	}
	if len(audio) == 0 {
		return nil
	}

	if preferred != "" {
		if want, err := language.Parse(preferred); err == nil {
			tags := make([]language.Tag, len(audio))
			for i, v := range audio {
				tag, err := language.Parse(v.LanguageTag)
				if err != nil {
					tag = language.Und
				}
				tags[i] = tag
			}
			matcher := language.NewMatcher(tags)
			_, idx, conf := matcher.Match(want)
			if conf > language.No {
				return &audio[idx]
			}
		}
	}

	for i := range audio {
		if audio[i].Default {
			return &audio[i]
		}
	}

	for i := range audio {
		if tag, err := language.Parse(audio[i].LanguageTag); err == nil && tag == language.English {
			return &audio[i]
		}
	}

	return &audio[0]
}
