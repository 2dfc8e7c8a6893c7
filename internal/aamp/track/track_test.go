package track

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josephch/aamp-go/internal/aamp/buffer"
	"github.com/josephch/aamp-go/internal/aamp/downloader"
	"github.com/josephch/aamp-go/internal/aamp/drm"
	"github.com/josephch/aamp-go/internal/aamp/playlist"
	"github.com/josephch/aamp-go/internal/aamp/sink"
	"github.com/josephch/aamp-go/internal/aamp/tunerror"
	"github.com/josephch/aamp-go/pkg/httpclient"
)

// fakeSink is a minimal sink.StreamSink recording what was sent.
type fakeSink struct {
	mu       sync.Mutex
	sent     [][]byte
	eos      []sink.MediaType
	failNext bool
}

func (f *fakeSink) Send(mediaType sink.MediaType, payload []byte, ptsSec, dtsSec, durationSec float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return assertError("inject failed")
	}
	f.sent = append(f.sent, payload)
	return nil
}
func (f *fakeSink) EndOfStreamReached(mediaType sink.MediaType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eos = append(f.eos, mediaType)
}
func (f *fakeSink) Discontinuity(mediaType sink.MediaType) bool { return false }
func (f *fakeSink) Flush(positionSec float64, rate float64)     {}
func (f *fakeSink) Pause(paused bool)                           {}
func (f *fakeSink) Stop(keepLastFrame bool)                     {}
func (f *fakeSink) Configure(video, audio sink.Format, esChangeStatus bool) error {
	return nil
}
func (f *fakeSink) SetVideoRectangle(x, y, w, h int)           {}
func (f *fakeSink) SetZoom(mode int)                           {}
func (f *fakeSink) SetMute(muted bool)                         {}
func (f *fakeSink) SetAudioVolume(volume int)                  {}
func (f *fakeSink) IsCacheEmpty(mediaType sink.MediaType) bool { return false }
func (f *fakeSink) GetVideoSize() (int, int)                   { return 0, 0 }
func (f *fakeSink) NotifyFragmentCachingComplete()             {}
func (f *fakeSink) DumpStatus() string                         { return "" }

func (f *fakeSink) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type simpleError string

func (e simpleError) Error() string { return string(e) }
func assertError(s string) error    { return simpleError(s) }

func newTestTrack(t *testing.T, handler http.HandlerFunc) (*MediaTrack, *fakeSink, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	client := httpclient.New(httpclient.DefaultConfig())
	dl := downloader.New(client, nil)
	buf := buffer.New(2)
	sk := &fakeSink{}
	drmMgr := drm.NewManager(dl, nil)
	tr := New(sink.Video, buf, dl, sk, drmMgr, nil, nil, Hooks{}, nil)
	tr.EffectiveURL = srv.URL + "/master.m3u8"
	return tr, sk, srv
}

func threeNodeIndex() []playlist.IndexNode {
	return []playlist.IndexNode{
		{CompletionTimeFromStartSec: 0, DurationSec: 2, FragmentURI: "seg0.ts", DrmContextIndex: playlist.NoDrmContext},
		{CompletionTimeFromStartSec: 2, DurationSec: 2, FragmentURI: "seg1.ts", DrmContextIndex: playlist.NoDrmContext},
		{CompletionTimeFromStartSec: 4, DurationSec: 2, FragmentURI: "seg2.ts", DrmContextIndex: playlist.NoDrmContext},
	}
}

func TestMediaTrack_FetchAndInject_DeliversFragmentsInOrder(t *testing.T) {
	tr, sk, srv := newTestTrack(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("segment-bytes"))
	})
	defer srv.Close()

	tr.SetIndex(threeNodeIndex(), nil, 0, 2, map[int]float64{})
	tr.SetAtEnd(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)

	require.Eventually(t, func() bool { return sk.sentCount() == 3 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(sk.eos) == 1 }, time.Second, 5*time.Millisecond)

	tr.Stop()
	assert.LessOrEqual(t, tr.InjectedDurationSec, tr.FetchedDurationSec)
	assert.InDelta(t, 6.0, tr.FetchedDurationSec, 0.001)
}

func TestMediaTrack_SetIndex_SmallGapResyncs(t *testing.T) {
	tr, _, srv := newTestTrack(t, func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("x")) })
	defer srv.Close()

	tr.SetIndex(threeNodeIndex(), nil, 100, 2, map[int]float64{})
	assert.EqualValues(t, 100, tr.NextMediaSequenceNumber)

	// 49 sequence numbers culled: resync, not fatal.
	tr.SetIndex(threeNodeIndex(), nil, 149, 2, map[int]float64{})
	assert.EqualValues(t, 149, tr.NextMediaSequenceNumber)
	assert.Equal(t, 0, tr.CurrentIdx)
}

func TestMediaTrack_SetIndex_LargeGapIsFatal(t *testing.T) {
	tr, _, srv := newTestTrack(t, func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("x")) })
	defer srv.Close()

	var fatalErr error
	tr.Hooks.OnFatal = func(err *tunerror.TuneError) {
		fatalErr = err
	}

	tr.SetIndex(threeNodeIndex(), nil, 100, 2, map[int]float64{})
	// A 50-sequence gap is fatal.
	tr.SetIndex(threeNodeIndex(), nil, 150, 2, map[int]float64{})

	require.NotNil(t, fatalErr)
}

func TestMediaTrack_DownloadFailure_Retries(t *testing.T) {
	var calls int
	var mu sync.Mutex
	tr, sk, srv := newTestTrack(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n <= 2 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("ok"))
	})
	defer srv.Close()

	tr.SetIndex(threeNodeIndex()[:1], nil, 0, 2, map[int]float64{})
	tr.SetAtEnd(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)

	require.Eventually(t, func() bool { return sk.sentCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	tr.Stop()
	assert.Equal(t, 0, tr.ConsecutiveDownloadFailures)
}

// fakeKeyFetcher returns a fixed 16-byte AES key for every request.
type fakeKeyFetcher struct{ key []byte }

func (f *fakeKeyFetcher) Get(ctx context.Context, req downloader.Request) (*downloader.Result, error) {
	return &downloader.Result{OK: true, HTTPStatus: 200, Body: f.key}, nil
}

func TestMediaTrack_DecryptsEncryptedFragments(t *testing.T) {
	key := []byte("0123456789abcdef")
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	iv := [16]byte{}
	plaintext := []byte("0123456789abcdef") // one AES block
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(ciphertext, plaintext)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(ciphertext)
	}))
	defer srv.Close()

	client := httpclient.New(httpclient.DefaultConfig())
	dl := downloader.New(client, nil)
	buf := buffer.New(2)
	sk := &fakeSink{}
	drmMgr := drm.NewManager(&fakeKeyFetcher{key: key}, nil)
	tr := New(sink.Video, buf, dl, sk, drmMgr, nil, nil, Hooks{}, nil)
	tr.EffectiveURL = srv.URL + "/master.m3u8"

	drmTable := []playlist.DrmMetadata{{Sha1Hash: "abc123", Method: drm.MethodAES128, IV: iv, KeyURI: "http://key"}}
	nodes := []playlist.IndexNode{{CompletionTimeFromStartSec: 0, DurationSec: 2, FragmentURI: "seg0.ts", DrmContextIndex: 0}}
	tr.SetIndex(nodes, drmTable, 0, 2, map[int]float64{})
	tr.SetAtEnd(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)

	require.Eventually(t, func() bool { return sk.sentCount() == 1 }, time.Second, 5*time.Millisecond)
	tr.Stop()

	sk.mu.Lock()
	got := sk.sent[0]
	sk.mu.Unlock()
	assert.Equal(t, plaintext, got)
}

func TestBufferHealth_Classification(t *testing.T) {
	assert.Equal(t, HealthRed, classifyBufferHealth(0))
	assert.Equal(t, HealthYellow, classifyBufferHealth(2))
	assert.Equal(t, HealthGreen, classifyBufferHealth(4))
}

func newSyncTrack(mediaType sink.MediaType) *MediaTrack {
	return New(mediaType, buffer.New(2), downloader.New(httpclient.New(httpclient.DefaultConfig()), nil), &fakeSink{}, drm.NewManager(nil, nil), nil, nil, Hooks{}, nil)
}

func TestSyncTracks_VODPeriodBasedSync(t *testing.T) {
	video := newSyncTrack(sink.Video)
	video.SetIndex(threeNodeIndex(), nil, 0, 2, map[int]float64{2: 180})
	video.PlayTargetSec = 185

	audio := newSyncTrack(sink.Audio)
	audio.SetIndex(threeNodeIndex(), nil, 0, 2, map[int]float64{2: 179.8})
	audio.PlayTargetSec = 185

	err := SyncTracks(video, audio, false)
	require.NoError(t, err)
	assert.InDelta(t, 184.8, audio.PlayTargetSec, 0.001)
	assert.Equal(t, 0, audio.CurrentIdx)
}

func TestSyncTracks_LivePDTDelta(t *testing.T) {
	video := newSyncTrack(sink.Video)
	videoPDT := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	videoNodes := threeNodeIndex()
	videoNodes[0].ProgramDateTime = &videoPDT
	video.SetIndex(videoNodes, nil, 0, 2, map[int]float64{})
	video.PlayTargetSec = 10

	audio := newSyncTrack(sink.Audio)
	audioPDT := videoPDT.Add(-200 * time.Millisecond)
	audioNodes := threeNodeIndex()
	audioNodes[0].ProgramDateTime = &audioPDT
	audio.SetIndex(audioNodes, nil, 0, 2, map[int]float64{})
	audio.PlayTargetSec = 10

	err := SyncTracks(video, audio, true)
	require.NoError(t, err)
	assert.InDelta(t, 10.2, audio.PlayTargetSec, 0.001)
}

func TestSyncTracks_SequenceNumberFallback(t *testing.T) {
	video := newSyncTrack(sink.Video)
	video.SetIndex(threeNodeIndex(), nil, 100, 2, map[int]float64{})
	video.PlayTargetSec = 4
	video.CurrentIdx = 2

	audio := newSyncTrack(sink.Audio)
	audio.SetIndex(threeNodeIndex(), nil, 110, 2, map[int]float64{})
	audio.PlayTargetSec = 4

	err := SyncTracks(video, audio, false)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, audio.PlayTargetSec, 0.001)
}

func TestSyncTracks_TooFarApartFails(t *testing.T) {
	video := newSyncTrack(sink.Video)
	video.SetIndex(threeNodeIndex(), nil, 100, 2, map[int]float64{})
	video.PlayTargetSec = 4

	audio := newSyncTrack(sink.Audio)
	audio.SetIndex(threeNodeIndex(), nil, 100+MaxSeqNumberLagCount+1, 2, map[int]float64{})
	audio.PlayTargetSec = 4

	err := SyncTracks(video, audio, false)
	assert.ErrorIs(t, err, ErrSequenceNumberSyncFailed)
}

func TestMediaTrack_DownloadFailure_RampsDownOnEligibleStatus(t *testing.T) {
	tr, _, srv := newTestTrack(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	defer srv.Close()

	var gotRetryTarget float64
	var rampDownCalls int
	tr.Hooks.RampDown = func(ctx context.Context, retryPlayTargetSec float64) bool {
		rampDownCalls++
		gotRetryTarget = retryPlayTargetSec
		return true
	}

	nodes := threeNodeIndex()
	tr.SetIndex(nodes[:1], nil, 0, 2, map[int]float64{})
	tr.SetAtEnd(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)

	require.Eventually(t, func() bool { return rampDownCalls > 0 }, time.Second, 5*time.Millisecond)
	tr.Stop()

	assert.InDelta(t, 0.0, gotRetryTarget, 0.001)
	assert.Equal(t, 0, tr.ConsecutiveDownloadFailures, "a rampdown-handled failure must not count against the normal failure budget")
}

func TestMediaTrack_Stop_UnblocksFetchAndInject(t *testing.T) {
	tr, _, srv := newTestTrack(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte("x"))
	})
	defer srv.Close()

	// No index installed: fetch loop blocks waiting for a refresh.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)

	time.Sleep(10 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		tr.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not unblock fetch/inject loops")
	}
}
