package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josephch/aamp-go/internal/aamp/abr"
	"github.com/josephch/aamp-go/internal/aamp/downloader"
	"github.com/josephch/aamp-go/internal/aamp/drm"
	"github.com/josephch/aamp-go/internal/aamp/event"
	"github.com/josephch/aamp-go/internal/aamp/playlist"
	"github.com/josephch/aamp-go/internal/aamp/sink"
	"github.com/josephch/aamp-go/pkg/httpclient"
)

// fakeSink is a minimal sink.StreamSink recording Configure calls.
type fakeSink struct {
	configured bool
	video      sink.Format
	audio      sink.Format
}

func (f *fakeSink) Send(mediaType sink.MediaType, payload []byte, ptsSec, dtsSec, durationSec float64) error {
	return nil
}
func (f *fakeSink) EndOfStreamReached(mediaType sink.MediaType) {}
func (f *fakeSink) Discontinuity(mediaType sink.MediaType) bool { return false }
func (f *fakeSink) Flush(positionSec float64, rate float64)     {}
func (f *fakeSink) Pause(paused bool)                           {}
func (f *fakeSink) Stop(keepLastFrame bool)                     {}
func (f *fakeSink) Configure(video, audio sink.Format, esChangeStatus bool) error {
	f.configured = true
	f.video = video
	f.audio = audio
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

const sampleVODMedia = `#EXTM3U
#EXT-X-TARGETDURATION:2
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-PLAYLIST-TYPE:VOD
#EXTINF:2.0,
seg0.ts
#EXTINF:2.0,
seg1.ts
#EXT-X-ENDLIST
`

const sampleLiveMedia = `#EXTM3U
#EXT-X-TARGETDURATION:2
#EXT-X-MEDIA-SEQUENCE:40
#EXTINF:2.0,
seg40.ts
#EXTINF:2.0,
seg41.ts
#EXTINF:2.0,
seg42.ts
`

func sampleMaster(audio bool) string {
	var sb strings.Builder
	sb.WriteString("#EXTM3U\n")
	if audio {
		sb.WriteString(`#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",NAME="English",LANGUAGE="en",DEFAULT=YES,URI="audio_en.m3u8"` + "\n")
		sb.WriteString(`#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",NAME="Spanish",LANGUAGE="es",URI="audio_es.m3u8"` + "\n")
	}
	sb.WriteString(`#EXT-X-STREAM-INF:BANDWIDTH=1500000,RESOLUTION=640x360,CODECS="avc1.64001e",AUDIO="aud"` + "\n")
	sb.WriteString("video_low.m3u8\n")
	sb.WriteString(`#EXT-X-STREAM-INF:BANDWIDTH=3000000,RESOLUTION=1280x720,CODECS="avc1.64001f",AUDIO="aud"` + "\n")
	sb.WriteString("video_mid.m3u8\n")
	return sb.String()
}

func newTestDownloader() *downloader.Downloader {
	client := httpclient.New(httpclient.DefaultConfig())
	return downloader.New(client, nil)
}

func TestHLS_Init_BuildsVideoAndAudioTracks(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleMaster(true)))
	})
	mux.HandleFunc("/video_low.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleVODMedia))
	})
	mux.HandleFunc("/video_mid.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleVODMedia))
	})
	mux.HandleFunc("/audio_en.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleVODMedia))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sk := &fakeSink{}
	h := NewHLS(srv.URL+"/master.m3u8", newTestDownloader(), sk, drm.NewManager(newTestDownloader(), nil), event.NewBus(), abr.NewController(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Init(ctx, TuneNew))
	defer h.Stop()

	tracks := h.Tracks()
	assert.Contains(t, tracks, sink.Video)
	assert.Contains(t, tracks, sink.Audio)
	assert.False(t, h.IsLive())
	assert.InDelta(t, 4.0, h.TotalDurationSec(), 0.001)
	assert.True(t, sk.configured)
	assert.Equal(t, "avc1.64001e", sk.video.Codecs)
}

func TestHLS_Init_LiveAdjustsPlayTarget(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleMaster(false)))
	})
	mux.HandleFunc("/video_low.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleLiveMedia))
	})
	mux.HandleFunc("/video_mid.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleLiveMedia))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sk := &fakeSink{}
	h := NewHLS(srv.URL+"/master.m3u8", newTestDownloader(), sk, drm.NewManager(newTestDownloader(), nil), event.NewBus(), abr.NewController(), nil)
	h.Config.LiveOffsetSec = 2

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Init(ctx, TuneNew))
	defer h.Stop()

	require.True(t, h.IsLive())
	vt := h.Tracks()[sink.Video]
	require.NotNil(t, vt)
	assert.InDelta(t, h.TotalDurationSec()-2, vt.PlayTargetSec, 0.001)
}

func TestHLS_Init_SeekBeyondDurationIsSeekRangeError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleMaster(false)))
	})
	mux.HandleFunc("/video_low.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleVODMedia))
	})
	mux.HandleFunc("/video_mid.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleVODMedia))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sk := &fakeSink{}
	h := NewHLS(srv.URL+"/master.m3u8", newTestDownloader(), sk, drm.NewManager(newTestDownloader(), nil), event.NewBus(), abr.NewController(), nil)
	h.Config.SeekPositionSec = 9999

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := h.Init(ctx, TuneNew)

	var seekErr *SeekRangeError
	require.ErrorAs(t, err, &seekErr)
}

func TestHLS_DownloadMaster_RetriesOn404(t *testing.T) {
	var calls int
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(sampleMaster(false)))
	})
	mux.HandleFunc("/video_low.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleVODMedia))
	})
	mux.HandleFunc("/video_mid.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleVODMedia))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sk := &fakeSink{}
	h := NewHLS(srv.URL+"/master.m3u8", newTestDownloader(), sk, drm.NewManager(newTestDownloader(), nil), event.NewBus(), abr.NewController(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Init(ctx, TuneNew))
	defer h.Stop()
	assert.GreaterOrEqual(t, calls, 2)
}

func TestSelectAudioVariant_PreferredLanguageWins(t *testing.T) {
	variants := []playlist.Variant{
		{Type: playlist.MediaAudio, LanguageTag: "en", Default: true, URI: "en.m3u8"},
		{Type: playlist.MediaAudio, LanguageTag: "es", URI: "es.m3u8"},
	}
	v := selectAudioVariant(variants, "es")
	require.NotNil(t, v)
	assert.Equal(t, "es.m3u8", v.URI)
}

func TestSelectAudioVariant_FallsBackToDefault(t *testing.T) {
	variants := []playlist.Variant{
		{Type: playlist.MediaAudio, LanguageTag: "fr", URI: "fr.m3u8"},
		{Type: playlist.MediaAudio, LanguageTag: "en", Default: true, URI: "en.m3u8"},
	}
	v := selectAudioVariant(variants, "")
	require.NotNil(t, v)
	assert.Equal(t, "en.m3u8", v.URI)
}

func TestSelectAudioVariant_NoAudioVariants(t *testing.T) {
	assert.Nil(t, selectAudioVariant(nil, "en"))
}

func TestResolveURI_RelativeAgainstBase(t *testing.T) {
	got := resolveURI("http://host/path/master.m3u8", "video_low.m3u8")
	assert.Equal(t, "http://host/path/video_low.m3u8", got)
}

func TestDASH_Init_BuildsVideoTrack(t *testing.T) {
	const sampleMPD = `<?xml version="1.0"?>
<MPD mediaPresentationDuration="PT60S">
  <Period id="p0">
    <AdaptationSet contentType="video" mimeType="video/mp4">
      <SegmentTemplate media="video_$RepresentationID$_$Number$.m4s" initialization="video_$RepresentationID$_init.m4s" duration="6000" timescale="1000" startNumber="1"/>
      <Representation id="v1" bandwidth="1500000" width="640" height="360" codecs="avc1.64001e"/>
      <Representation id="v2" bandwidth="3000000" width="1280" height="720" codecs="avc1.64001f"/>
    </AdaptationSet>
  </Period>
</MPD>
`
	mux := http.NewServeMux()
	mux.HandleFunc("/manifest.mpd", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleMPD))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sk := &fakeSink{}
	d := NewDASH(srv.URL+"/manifest.mpd", newTestDownloader(), sk, drm.NewManager(newTestDownloader(), nil), event.NewBus(), abr.NewController(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Init(ctx, TuneNew))
	defer d.Stop()

	tracks := d.Tracks()
	assert.Contains(t, tracks, sink.Video)
	assert.False(t, d.IsLive())
	assert.InDelta(t, 6.0, d.TotalDurationSec(), 0.001)
	assert.False(t, d.IsProcessingDiscontinuity())

	done := make(chan struct{})
	go func() {
		d.RunRefreshLoop(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("DASH RunRefreshLoop should return immediately")
	}
}

func TestHLS_ReevaluateABR_SwitchesProfileAndEmitsBitrateChanged(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleMaster(false)))
	})
	mux.HandleFunc("/video_low.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleVODMedia))
	})
	mux.HandleFunc("/video_mid.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleVODMedia))
	})
	mux.HandleFunc("/seg0.ts", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("x")) })
	mux.HandleFunc("/seg1.ts", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("x")) })
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sk := &fakeSink{}
	bus := event.NewBus()
	var mu sync.Mutex
	var bitrateEvents []event.BitrateChangedPayload
	bus.Subscribe(event.ListenerFunc(func(e event.AampEvent) {
		if e.Kind != event.BitrateChanged {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		bitrateEvents = append(bitrateEvents, e.Payload.(event.BitrateChangedPayload))
	}))

	abrCtl := abr.NewController(abr.WithSkipDurationSec(0))
	abrCtl.AddSample(time.Now(), 4000000) // comfortably supports the 3Mbps mid profile

	h := NewHLS(srv.URL+"/master.m3u8", newTestDownloader(), sk, drm.NewManager(newTestDownloader(), nil), bus, abrCtl, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Init(ctx, TuneNew))
	defer h.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bitrateEvents) > 0
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bitrateEvents, 1, "two consistency-counted fragments should switch exactly once")
	assert.EqualValues(t, 3000000, bitrateEvents[0].Bitrate)
	assert.Equal(t, 1280, bitrateEvents[0].Width)
}

func TestIsAudioCodec(t *testing.T) {
	assert.True(t, isAudioCodec("mp4a.40.2"))
	assert.True(t, isAudioCodec("ac-3"))
	assert.False(t, isAudioCodec("avc1.64001e"))
}
