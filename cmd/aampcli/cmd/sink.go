package cmd

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/josephch/aamp-go/internal/aamp/sink"
)

// loggingSink is a sink.StreamSink stand-in for standalone REPL use: it
// never renders anything, it only logs each call so a user driving
// aampcli can watch the pipeline calls PlayerCore would otherwise make
// against a real platform decoder. The concrete media sink is always an
// external collaborator this module never implements (§6 Non-goal).
type loggingSink struct {
	logger *slog.Logger

	mu     sync.Mutex
	width  int
	height int
}

func newLoggingSink(logger *slog.Logger) *loggingSink {
	return &loggingSink{logger: logger, width: 1280, height: 720}
}

func (s *loggingSink) Send(mediaType sink.MediaType, payload []byte, ptsSec, dtsSec, durationSec float64) error {
	s.logger.Debug("sink send", slog.String("media_type", mediaType.String()), slog.Int("bytes", len(payload)), slog.Float64("pts", ptsSec))
	return nil
}

func (s *loggingSink) EndOfStreamReached(mediaType sink.MediaType) {
	s.logger.Info("sink eos", slog.String("media_type", mediaType.String()))
}

func (s *loggingSink) Discontinuity(mediaType sink.MediaType) bool {
	s.logger.Info("sink discontinuity", slog.String("media_type", mediaType.String()))
	return false
}

func (s *loggingSink) Flush(positionSec float64, rate float64) {
	s.logger.Info("sink flush", slog.Float64("position_sec", positionSec), slog.Float64("rate", rate))
}

func (s *loggingSink) Pause(paused bool) {
	s.logger.Info("sink pause", slog.Bool("paused", paused))
}

func (s *loggingSink) Stop(keepLastFrame bool) {
	s.logger.Info("sink stop", slog.Bool("keep_last_frame", keepLastFrame))
}

func (s *loggingSink) Configure(video, audio sink.Format, esChangeStatus bool) error {
	s.mu.Lock()
	if video.Width > 0 {
		s.width = video.Width
	}
	if video.Height > 0 {
		s.height = video.Height
	}
	s.mu.Unlock()
	s.logger.Info("sink configure",
		slog.String("video_codecs", video.Codecs), slog.String("audio_codecs", audio.Codecs),
		slog.Bool("es_change_status", esChangeStatus))
	return nil
}

func (s *loggingSink) SetVideoRectangle(x, y, w, h int) {
	s.logger.Info("sink rect", slog.Int("x", x), slog.Int("y", y), slog.Int("w", w), slog.Int("h", h))
}

func (s *loggingSink) SetZoom(mode int) {
	s.logger.Info("sink zoom", slog.Int("mode", mode))
}

func (s *loggingSink) SetMute(muted bool) {
	s.logger.Info("sink mute", slog.Bool("muted", muted))
}

func (s *loggingSink) SetAudioVolume(volume int) {
	s.logger.Info("sink volume", slog.Int("volume", volume))
}

func (s *loggingSink) IsCacheEmpty(mediaType sink.MediaType) bool { return false }

func (s *loggingSink) GetVideoSize() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

func (s *loggingSink) NotifyFragmentCachingComplete() {
	s.logger.Info("sink caching complete")
}

func (s *loggingSink) DumpStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("loggingSink{width=%d height=%d}", s.width, s.height)
}

var _ sink.StreamSink = (*loggingSink)(nil)
