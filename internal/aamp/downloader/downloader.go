// Package downloader implements the single get() fetch contract used by
// every component that pulls bytes over HTTP: manifests, fragments, init
// segments, and DRM license/key requests. It wraps pkg/httpclient's
// resilient transport (circuit breaker, retry, transparent decompression)
// with the AAMP-specific behaviors described in §4.2: redirect/cookie/
// X-Reason capture, X-MoneyTrace propagation, progress-callback abort,
// throughput sampling, and latency logging.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/josephch/aamp-go/internal/aamp/tunerror"
	"github.com/josephch/aamp-go/pkg/httpclient"
)

// FileKind classifies a request for throughput sampling and logging
// purposes; only Video fragments feed the ABR bandwidth estimator.
type FileKind int

const (
	FileKindManifest FileKind = iota
	FileKindFragmentVideo
	FileKindFragmentAudio
	FileKindFragmentSubtitle
	FileKindInitSegment
	FileKindLicense
	FileKindKey
)

// String returns the file kind's name, used in log fields.
func (k FileKind) String() string {
	switch k {
	case FileKindManifest:
		return "manifest"
	case FileKindFragmentVideo:
		return "fragment_video"
	case FileKindFragmentAudio:
		return "fragment_audio"
	case FileKindFragmentSubtitle:
		return "fragment_subtitle"
	case FileKindInitSegment:
		return "init_segment"
	case FileKindLicense:
		return "license"
	case FileKindKey:
		return "key"
	default:
		return "unknown"
	}
}

// throughputSampleThreshold is the minimum body size, in bytes, a
// request's body must reach before it contributes a bandwidth sample to
// the ABR estimator (§4.2).
const throughputSampleThreshold = 50 * 1024

// defaultLatencyLogThresholdMs is the default over-threshold latency that
// triggers a warn-level "slow download" log line (§4.2, §6 NetworkConfig).
const defaultLatencyLogThresholdMs = 2000

// Range is an inclusive byte range for a partial-content request, as
// found in an HLS EXT-X-BYTERANGE tag.
type Range struct {
	Offset int64
	Length int64 // 0 means "to end of resource"
}

// header returns the Range request-header value, or "" if r is the zero
// value (whole-resource request).
func (r Range) header() string {
	if r.Length <= 0 && r.Offset == 0 {
		return ""
	}
	if r.Length <= 0 {
		return fmt.Sprintf("bytes=%d-", r.Offset)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Offset, r.Offset+r.Length-1)
}

// Request describes a single get() invocation.
type Request struct {
	URL      string
	Range    Range
	FileKind FileKind
	Cookies  string // replayed Cookie header from a prior response on the same session
	XReason  string // replayed X-Reason header, if the prior response carried one
	Headers  map[string]string

	// OnProgress, if set, is invoked periodically while the body is read.
	// Returning true aborts the transfer in progress.
	OnProgress func(bytesRead int64) (abort bool)
}

// Result carries the outcome of a get() call, including diagnostic
// fields the caller needs to maintain session continuity on the next
// request (cookies, X-Reason, the effective URL after redirects).
type Result struct {
	OK            bool
	HTTPStatus    int
	Body          []byte
	EffectiveURL  string
	Cookies       string
	XReason       string
	MoneyTrace    string
	ContentLength int64 // as advertised by the response, -1 if unknown
	DurationMs    int64
	BandwidthBps  int64 // 0 unless the body met throughputSampleThreshold
}

// Downloader is the shared fetch surface used by PlaylistIndex, MediaTrack,
// and drm.Session. A single instance is typically shared across all tracks
// of one tune session so its underlying circuit breaker reflects the
// origin's actual health.
type Downloader struct {
	client                *httpclient.Client
	logger                *slog.Logger
	latencyLogThresholdMs int64

	sessionID string // stable per-tune identifier woven into X-MoneyTrace

	mu          sync.Mutex
	lastCookies string
	lastXReason string
	onBandwidth func(kind FileKind, bandwidthBps int64)
}

// Option configures a Downloader at construction time.
type Option func(*Downloader)

// WithLatencyLogThreshold overrides the default 2000ms slow-download
// logging threshold.
func WithLatencyLogThreshold(ms int64) Option {
	return func(d *Downloader) { d.latencyLogThresholdMs = ms }
}

// WithBandwidthSampleSink registers a callback invoked whenever a
// response body meets the throughput-sampling threshold, feeding the ABR
// bandwidth estimator.
func WithBandwidthSampleSink(fn func(kind FileKind, bandwidthBps int64)) Option {
	return func(d *Downloader) { d.onBandwidth = fn }
}

// SetBandwidthSampleSink installs or replaces the bandwidth sample
// callback after construction, for callers (PlayerCore) that build the
// Downloader before the ABR controller it feeds exists.
func (d *Downloader) SetBandwidthSampleSink(fn func(kind FileKind, bandwidthBps int64)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onBandwidth = fn
}

// New constructs a Downloader over the given resilient HTTP client.
func New(client *httpclient.Client, logger *slog.Logger, opts ...Option) *Downloader {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Downloader{
		client:                client,
		logger:                logger,
		latencyLogThresholdMs: defaultLatencyLogThresholdMs,
		sessionID:             uuid.NewString(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Get performs the two-attempt, redirect-following, cookie/X-Reason aware
// fetch described by §4.2. A second attempt is made only for 500, 503,
// and transport-level timeout outcomes; all other failures return
// immediately.
func (d *Downloader) Get(ctx context.Context, req Request) (*Result, error) {
	var lastResult *Result
	var lastErr error

	for attempt := 0; attempt < 2; attempt++ {
		result, err := d.attempt(ctx, req)
		if err == nil && result.OK {
			return result, nil
		}
		lastResult, lastErr = result, err

		if !shouldRetry(result, err) {
			break
		}
	}

	if lastErr != nil {
		return lastResult, tunerror.New(classifyFailure(req.FileKind), true, lastErr)
	}
	return lastResult, nil
}

func shouldRetry(result *Result, err error) bool {
	if err != nil {
		// only transport-level timeouts are retried
		var te interface{ Timeout() bool }
		return errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &te) && te.Timeout())
	}
	if result == nil {
		return true
	}
	return result.HTTPStatus == http.StatusInternalServerError || result.HTTPStatus == http.StatusServiceUnavailable
}

func classifyFailure(kind FileKind) tunerror.Code {
	switch kind {
	case FileKindManifest:
		return tunerror.ManifestReqFailed
	case FileKindInitSegment:
		return tunerror.InitFragmentDownloadFailure
	case FileKindLicense, FileKindKey:
		return tunerror.LicenceRequestFailed
	default:
		return tunerror.FragmentDownloadFailure
	}
}

func (d *Downloader) attempt(ctx context.Context, req Request) (*Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, err
	}

	if rangeHeader := req.Range.header(); rangeHeader != "" {
		httpReq.Header.Set("Range", rangeHeader)
	}
	if req.Cookies != "" {
		httpReq.Header.Set("Cookie", req.Cookies)
	}
	if req.XReason != "" {
		httpReq.Header.Set("X-Reason", req.XReason)
	}
	httpReq.Header.Set("X-MoneyTrace", d.moneyTrace())
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := d.client.DoWithContext(ctx, httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, readErr := d.readBody(resp.Body, req.OnProgress)
	elapsed := time.Since(start)

	result := &Result{
		HTTPStatus:   resp.StatusCode,
		Body:         body,
		EffectiveURL: resp.Request.URL.String(),
		Cookies:      resp.Header.Get("Set-Cookie"),
		XReason:      resp.Header.Get("X-Reason"),
		MoneyTrace:   resp.Header.Get("X-MoneyTrace"),
		DurationMs:   elapsed.Milliseconds(),
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, parseErr := strconv.ParseInt(cl, 10, 64); parseErr == nil {
			result.ContentLength = n
		}
	} else {
		result.ContentLength = -1
	}

	// A body cut short of its advertised Content-Length is reported through
	// the 416 classification below rather than as a read error.
	if readErr != nil && !(errors.Is(readErr, io.ErrUnexpectedEOF) && result.ContentLength >= 0) {
		return result, readErr
	}

	if result.ContentLength >= 0 && int64(len(body)) != result.ContentLength {
		result.HTTPStatus = http.StatusRequestedRangeNotSatisfiable
		result.OK = false
		return result, nil
	}

	result.OK = result.HTTPStatus >= 200 && result.HTTPStatus < 300

	d.remember(result)
	d.sampleThroughput(req.FileKind, result)
	d.logLatency(req, result)

	return result, nil
}

// readBody drains body, invoking onProgress as bytes accumulate. If
// onProgress signals abort, readBody stops early and returns what was
// read so far along with context.Canceled.
func (d *Downloader) readBody(body io.Reader, onProgress func(int64) bool) ([]byte, error) {
	if onProgress == nil {
		return io.ReadAll(body)
	}

	const chunkSize = 32 * 1024
	buf := make([]byte, 0, chunkSize)
	chunk := make([]byte, chunkSize)
	var total int64
	for {
		n, err := body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			total += int64(n)
			if onProgress(total) {
				return buf, context.Canceled
			}
		}
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return buf, err
		}
	}
}

func (d *Downloader) remember(result *Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if result.Cookies != "" {
		d.lastCookies = result.Cookies
	}
	if result.XReason != "" {
		d.lastXReason = result.XReason
	}
}

// LastCookies returns the most recently observed Set-Cookie value, for
// replay on the next request belonging to the same session.
func (d *Downloader) LastCookies() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastCookies
}

// LastXReason returns the most recently observed X-Reason value.
func (d *Downloader) LastXReason() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastXReason
}

func (d *Downloader) moneyTrace() string {
	return fmt.Sprintf("trace-id=%s;parent-id=0;span-id=%d", d.sessionID, time.Now().UnixNano())
}

func (d *Downloader) sampleThroughput(kind FileKind, result *Result) {
	if kind != FileKindFragmentVideo || len(result.Body) < throughputSampleThreshold || result.DurationMs <= 0 {
		return
	}
	bps := int64(float64(len(result.Body)*8) / (float64(result.DurationMs) / 1000.0))
	result.BandwidthBps = bps

	d.mu.Lock()
	sink := d.onBandwidth
	d.mu.Unlock()
	if sink != nil {
		sink(kind, bps)
	}
}

func (d *Downloader) logLatency(req Request, result *Result) {
	if result.DurationMs < d.latencyLogThresholdMs {
		return
	}
	d.logger.Warn("slow download",
		slog.String("url", req.URL),
		slog.String("file_kind", req.FileKind.String()),
		slog.Int64("duration_ms", result.DurationMs),
		slog.Int("http_status", result.HTTPStatus),
	)
}
