package player

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josephch/aamp-go/internal/aamp/buffer"
	"github.com/josephch/aamp-go/internal/aamp/downloader"
	"github.com/josephch/aamp-go/internal/aamp/drm"
	"github.com/josephch/aamp-go/internal/aamp/event"
	"github.com/josephch/aamp-go/internal/aamp/playlist"
	"github.com/josephch/aamp-go/internal/aamp/sink"
	"github.com/josephch/aamp-go/internal/aamp/stream"
	"github.com/josephch/aamp-go/internal/aamp/track"
	"github.com/josephch/aamp-go/internal/config"
	"github.com/josephch/aamp-go/pkg/httpclient"
)

// fakeSink is a minimal sink.StreamSink recording calls PlayerCore makes
// directly (Pause, Flush, Stop), matching stream_test.go's fakeSink.
type fakeSink struct {
	mu         sync.Mutex
	pauseCalls []bool
	flushCalls int
	stopCalls  int
}

func (f *fakeSink) Send(mediaType sink.MediaType, payload []byte, ptsSec, dtsSec, durationSec float64) error {
	return nil
}
func (f *fakeSink) EndOfStreamReached(mediaType sink.MediaType) {}
func (f *fakeSink) Discontinuity(mediaType sink.MediaType) bool { return false }
func (f *fakeSink) Flush(positionSec float64, rate float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushCalls++
}
func (f *fakeSink) Pause(paused bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauseCalls = append(f.pauseCalls, paused)
}
func (f *fakeSink) Stop(keepLastFrame bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
}
func (f *fakeSink) Configure(video, audio sink.Format, esChangeStatus bool) error { return nil }
func (f *fakeSink) SetVideoRectangle(x, y, w, h int)                             {}
func (f *fakeSink) SetZoom(mode int)                                             {}
func (f *fakeSink) SetMute(muted bool)                                           {}
func (f *fakeSink) SetAudioVolume(volume int)                                    {}
func (f *fakeSink) IsCacheEmpty(mediaType sink.MediaType) bool                   { return false }
func (f *fakeSink) GetVideoSize() (int, int)                                     { return 0, 0 }
func (f *fakeSink) NotifyFragmentCachingComplete()                               {}
func (f *fakeSink) DumpStatus() string                                           { return "" }

// fakeAbstraction is a stream.Abstraction test double that never touches
// the network, letting player_test.go exercise PlayerCore's state machine
// in isolation from HLS/DASH parsing.
type fakeAbstraction struct {
	mu      sync.Mutex
	live    bool
	durSec  float64
	initErr error
	stopped bool
	tracks  map[sink.MediaType]*track.MediaTrack
}

func (a *fakeAbstraction) Init(ctx context.Context, tuneType stream.TuneType) error {
	return a.initErr
}
func (a *fakeAbstraction) Tracks() map[sink.MediaType]*track.MediaTrack {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tracks
}
func (a *fakeAbstraction) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
}
func (a *fakeAbstraction) IsLive() bool { return a.live }
func (a *fakeAbstraction) TotalDurationSec() float64 {
	return a.durSec
}
func (a *fakeAbstraction) RunRefreshLoop(ctx context.Context) { <-ctx.Done() }
func (a *fakeAbstraction) IsProcessingDiscontinuity() bool    { return false }
func (a *fakeAbstraction) DeferredLicense() (string, float64, bool) {
	return "", 0, false
}

var _ stream.Abstraction = (*fakeAbstraction)(nil)

func newTestPlayer(t *testing.T, a *fakeAbstraction) (*PlayerCore, *fakeSink) {
	t.Helper()
	sk := &fakeSink{}
	cfg := &config.Config{}
	cfg.Playback.ReportProgressInterval = time.Hour // effectively disable the ticker in tests
	cfg.Playback.PTSErrorThreshold = 4
	p := New(cfg, sk, nil, nil, event.NewBus(), nil)
	p.NewAbstraction = func(fc factoryCtx) stream.Abstraction { return a }
	return p, sk
}

func TestNew_StartsIdle(t *testing.T) {
	p, _ := newTestPlayer(t, &fakeAbstraction{tracks: map[sink.MediaType]*track.MediaTrack{}})
	assert.Equal(t, Idle, p.State())
}

func TestTune_TransitionsToPlaying(t *testing.T) {
	a := &fakeAbstraction{durSec: 100, tracks: map[sink.MediaType]*track.MediaTrack{}}
	p, _ := newTestPlayer(t, a)

	err := p.Tune(context.Background(), "http://example.com/master.m3u8")
	require.NoError(t, err)
	assert.Equal(t, Playing, p.State())
	assert.Equal(t, float64(1), p.Rate())

	p.Stop()
	assert.Equal(t, Idle, p.State())
}

func TestTune_InitErrorGoesToError(t *testing.T) {
	a := &fakeAbstraction{
		initErr: tuneFailure(),
		tracks:  map[sink.MediaType]*track.MediaTrack{},
	}
	p, _ := newTestPlayer(t, a)

	err := p.Tune(context.Background(), "http://example.com/master.m3u8")
	require.Error(t, err)
	assert.Equal(t, Error, p.State())
}

func TestSetRate_SamePausedRateIsEcho(t *testing.T) {
	a := &fakeAbstraction{durSec: 100, tracks: map[sink.MediaType]*track.MediaTrack{}}
	p, sk := newTestPlayer(t, a)
	require.NoError(t, p.Tune(context.Background(), "http://example.com/master.m3u8"))

	require.NoError(t, p.SetRate(context.Background(), 1))
	assert.Equal(t, Playing, p.State())
	sk.mu.Lock()
	pauseCallsAfterEcho := len(sk.pauseCalls)
	sk.mu.Unlock()
	assert.Zero(t, pauseCallsAfterEcho, "SetRate(1) on an already-playing pipeline at rate 1 must not touch the sink")

	p.Stop()
}

func TestSetRate_ZeroTogglesPause(t *testing.T) {
	a := &fakeAbstraction{durSec: 100, tracks: map[sink.MediaType]*track.MediaTrack{}}
	p, sk := newTestPlayer(t, a)
	require.NoError(t, p.Tune(context.Background(), "http://example.com/master.m3u8"))

	require.NoError(t, p.SetRate(context.Background(), 0))
	assert.Equal(t, Paused, p.State())

	require.NoError(t, p.SetRate(context.Background(), 0))
	assert.Equal(t, Playing, p.State())

	sk.mu.Lock()
	defer sk.mu.Unlock()
	require.Len(t, sk.pauseCalls, 2)
	assert.True(t, sk.pauseCalls[0])
	assert.False(t, sk.pauseCalls[1])

	p.Stop()
}

func TestSetRate_RejectsUnknownRate(t *testing.T) {
	a := &fakeAbstraction{durSec: 100, tracks: map[sink.MediaType]*track.MediaTrack{}}
	p, _ := newTestPlayer(t, a)
	require.NoError(t, p.Tune(context.Background(), "http://example.com/master.m3u8"))
	defer p.Stop()

	err := p.SetRate(context.Background(), 3)
	assert.Error(t, err)
}

func TestEOS_CompletesVOD(t *testing.T) {
	a := &fakeAbstraction{durSec: 100, live: false, tracks: map[sink.MediaType]*track.MediaTrack{}}
	p, _ := newTestPlayer(t, a)
	require.NoError(t, p.Tune(context.Background(), "http://example.com/master.m3u8"))

	p.Bus.Emit(event.EOS, nil)
	require.Eventually(t, func() bool { return p.State() == Complete }, time.Second, time.Millisecond)
}

func TestEOS_DoesNotCompleteLive(t *testing.T) {
	a := &fakeAbstraction{durSec: 0, live: true, tracks: map[sink.MediaType]*track.MediaTrack{}}
	p, _ := newTestPlayer(t, a)
	require.NoError(t, p.Tune(context.Background(), "http://example.com/master.m3u8"))

	p.Bus.Emit(event.EOS, nil)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, Playing, p.State())

	p.Stop()
}

func TestRetune_SingleConcurrent(t *testing.T) {
	a := &fakeAbstraction{durSec: 100, tracks: map[sink.MediaType]*track.MediaTrack{}}
	p, _ := newTestPlayer(t, a)
	require.NoError(t, p.Tune(context.Background(), "http://example.com/master.m3u8"))

	p.mu.Lock()
	p.retuneInProgress = true
	p.mu.Unlock()

	// Retune should observe the in-progress flag and return immediately
	// rather than blocking or re-entering tune.
	done := make(chan struct{})
	go func() {
		p.Retune(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Retune did not return promptly while another retune was in progress")
	}

	p.mu.Lock()
	p.retuneInProgress = false
	p.mu.Unlock()
	p.cond.Broadcast()

	p.Stop()
}

func TestBlockUnblock(t *testing.T) {
	a := &fakeAbstraction{durSec: 100, tracks: map[sink.MediaType]*track.MediaTrack{}}
	p, _ := newTestPlayer(t, a)
	require.NoError(t, p.Tune(context.Background(), "http://example.com/master.m3u8"))

	p.Block()
	assert.Equal(t, Blocked, p.State())

	p.Unblock()
	assert.Equal(t, Playing, p.State())

	p.Stop()
}

func TestNotifyPTSError_SchedulesRetuneAtThreshold(t *testing.T) {
	a := &fakeAbstraction{durSec: 100, tracks: map[sink.MediaType]*track.MediaTrack{}}
	p, _ := newTestPlayer(t, a)
	p.Config.Playback.PTSErrorThreshold = 2
	require.NoError(t, p.Tune(context.Background(), "http://example.com/master.m3u8"))

	p.NotifyPTSError(context.Background())
	assert.False(t, p.retuneWasTriggered())

	p.NotifyPTSError(context.Background())
	require.Eventually(t, func() bool { return p.retuneWasTriggered() }, time.Second, time.Millisecond)

	p.Stop()
}

// retuneWasTriggered reports whether ptsErrorTimestamps was reset by a
// threshold trip, the observable side effect NotifyPTSError leaves behind
// without reaching into Retune's goroutine timing directly.
func (p *PlayerCore) retuneWasTriggered() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ptsErrorTimestamps) == 0
}

// fakeKeyFetcher returns a fixed key for every license request, letting
// checkDeferredLicense's drm.Session.SetDecryptInfo acquire without a
// network round trip.
type fakeKeyFetcher struct{ key []byte }

func (f *fakeKeyFetcher) Get(ctx context.Context, req downloader.Request) (*downloader.Result, error) {
	return &downloader.Result{OK: true, HTTPStatus: 200, Body: f.key}, nil
}

func newDeferredLicenseTrack(sha1Hash string) *track.MediaTrack {
	dl := downloader.New(httpclient.New(httpclient.DefaultConfig()), nil)
	tr := track.New(sink.Video, buffer.New(2), dl, &fakeSink{}, nil, nil, nil, track.Hooks{}, nil)
	tr.SetIndex(nil, []playlist.DrmMetadata{{Sha1Hash: sha1Hash}}, 0, 2, map[int]float64{})
	return tr
}

func TestCheckDeferredLicense_NoPromotionBeforeDueDelay(t *testing.T) {
	cfg := &config.Config{}
	drmMgr := drm.NewManager(&fakeKeyFetcher{key: []byte("0123456789abcdef")}, nil)
	p := New(cfg, &fakeSink{}, nil, drmMgr, event.NewBus(), nil)

	vt := newDeferredLicenseTrack("deferred-sha1")
	a := &fakeAbstraction{tracks: map[sink.MediaType]*track.MediaTrack{sink.Video: vt}}

	p.mu.Lock()
	p.deferredDrmSha1 = "deferred-sha1"
	p.deferredDrmTimeMs = time.Now().Add(time.Hour).UnixMilli()
	p.mu.Unlock()

	p.checkDeferredLicense(a)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, "deferred-sha1", p.deferredDrmSha1, "due delay has not elapsed, sha1 must remain pending")
}

func TestCheckDeferredLicense_PromotesOnceAfterDueDelay(t *testing.T) {
	cfg := &config.Config{}
	drmMgr := drm.NewManager(&fakeKeyFetcher{key: []byte("0123456789abcdef")}, nil)
	p := New(cfg, &fakeSink{}, nil, drmMgr, event.NewBus(), nil)

	vt := newDeferredLicenseTrack("deferred-sha1")
	a := &fakeAbstraction{tracks: map[sink.MediaType]*track.MediaTrack{sink.Video: vt}}

	p.mu.Lock()
	p.deferredDrmSha1 = "deferred-sha1"
	p.deferredDrmTimeMs = time.Now().Add(-time.Second).UnixMilli()
	p.mu.Unlock()

	p.checkDeferredLicense(a)

	p.mu.Lock()
	assert.Equal(t, "", p.deferredDrmSha1, "promotion must clear the pending sha1 so it fires at most once")
	p.mu.Unlock()

	session := drmMgr.SessionFor("deferred-sha1")
	require.Eventually(t, func() bool { return session.State() == drm.Acquired }, time.Second, 5*time.Millisecond)

	// A second call with the sha1 already cleared must be a no-op.
	p.checkDeferredLicense(a)
}

func tuneFailure() error {
	return &dummyTuneErr{}
}

type dummyTuneErr struct{}

func (e *dummyTuneErr) Error() string { return "dummy tune failure" }
