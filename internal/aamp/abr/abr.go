// Package abr implements AbrController: the pure profile-selection
// policy described in §4.5. Every exported function is a pure function
// over its explicit arguments and a Controller's bandwidth-sample ring;
// none of them touch the network or a clock beyond what is passed in.
package abr

import (
	"sort"
	"sync"
	"time"
)

// Defaults mirror the original constants recovered for §4.5/§6.
const (
	DefaultInitBitrateBps     = 2500000
	DefaultInitBitrate4KBps   = 13000000
	DefaultCacheLifeMs        = 5000
	DefaultCacheLength        = 3
	DefaultOutlierDiffBytes   = 5000000
	DefaultSkipDurationSec    = 6
	DefaultNWConsistencyCount = 2
	DefaultRampDownHysteresisBps = 500000
	defaultSafetyFactor       = 0.9
)

// ProfileSummary is the subset of a playlist.Profile AbrController needs
// to reason about candidate selection, kept decoupled from the playlist
// package to avoid an import cycle.
type ProfileSummary struct {
	Index         int
	IsIframeTrack bool
	BandwidthBps  int64
	Height        int
}

// sample is one bandwidth measurement in the ring, timestamped for
// cache-life eviction.
type sample struct {
	at  time.Time
	bps int64
}

// Controller holds the bandwidth-sample ring and consistency counter
// state that persists across calls to the otherwise-pure selection
// functions (§4.5's "state { lastProfileIdx, currentBandwidth,
// measuredBandwidth, consistencyCounter }").
type Controller struct {
	mu sync.Mutex

	cacheLifeMs        int64
	outlierDiffBytes   int64
	nwConsistencyCount int
	rampDownHysteresis int64
	skipDurationSec    float64

	samples            []sample
	consistencyCounter int
	consistencyDir     int // +1 trending up, -1 trending down, 0 none
	tuneStart          time.Time
}

// Option configures a Controller at construction.
type Option func(*Controller)

func WithCacheLifeMs(ms int64) Option                  { return func(c *Controller) { c.cacheLifeMs = ms } }
func WithOutlierDiffBytes(b int64) Option               { return func(c *Controller) { c.outlierDiffBytes = b } }
func WithNWConsistencyCount(n int) Option               { return func(c *Controller) { c.nwConsistencyCount = n } }
func WithRampDownHysteresisBps(b int64) Option          { return func(c *Controller) { c.rampDownHysteresis = b } }
func WithSkipDurationSec(s float64) Option              { return func(c *Controller) { c.skipDurationSec = s } }

// NewController constructs a Controller with the §4.5/§6 defaults,
// overridable via Option.
func NewController(opts ...Option) *Controller {
	c := &Controller{
		cacheLifeMs:        DefaultCacheLifeMs,
		outlierDiffBytes:   DefaultOutlierDiffBytes,
		nwConsistencyCount: DefaultNWConsistencyCount,
		rampDownHysteresis: DefaultRampDownHysteresisBps,
		skipDurationSec:    DefaultSkipDurationSec,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MarkTuneStart records the reference instant for ABR suppression
// (§4.5's "first abrSkipDuration seconds of playback").
func (c *Controller) MarkTuneStart(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tuneStart = now
}

// AddSample records a throughput sample from the downloader, evicting
// anything older than cacheLifeMs and keeping at most DefaultCacheLength
// of the newest samples.
func (c *Controller) AddSample(now time.Time, bps int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, sample{at: now, bps: bps})
	c.evictStale(now)
	if len(c.samples) > DefaultCacheLength {
		c.samples = c.samples[len(c.samples)-DefaultCacheLength:]
	}
}

func (c *Controller) evictStale(now time.Time) {
	cutoff := now.Add(-time.Duration(c.cacheLifeMs) * time.Millisecond)
	i := 0
	for i < len(c.samples) && c.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.samples = c.samples[i:]
	}
}

// SampleCount returns the number of live (non-evicted) bandwidth
// samples, at most DefaultCacheLength.
func (c *Controller) SampleCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

// MeasuredBandwidthBps returns the outlier-rejected average of the
// current sample ring (§4.5 outlier rejection). Returns 0 if no samples
// remain.
func (c *Controller) MeasuredBandwidthBps(now time.Time) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictStale(now)
	if len(c.samples) == 0 {
		return 0
	}

	values := make([]int64, len(c.samples))
	for i, s := range c.samples {
		values[i] = s.bps
	}
	median := medianOf(values)

	var sum, count int64
	for _, v := range values {
		diff := v - median
		if diff < 0 {
			diff = -diff
		}
		if diff <= c.outlierDiffBytes {
			sum += v
			count++
		}
	}
	if count == 0 {
		return median
	}
	return sum / count
}

func medianOf(values []int64) int64 {
	sorted := append([]int64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// suppressed reports whether ABR should be suppressed because playback
// is still within the first skipDurationSec, unless measuredBps is
// already below the current profile's bandwidth (§4.5).
func (c *Controller) suppressed(now time.Time, measuredBps, currentProfileBps int64) bool {
	if c.tuneStart.IsZero() {
		return false
	}
	if now.Sub(c.tuneStart).Seconds() >= c.skipDurationSec {
		return false
	}
	return measuredBps >= currentProfileBps
}

// InitialProfileIndex returns the largest non-iframe profile with
// bandwidth <= defaultInit (or defaultInit4K, when is4K is true), with an
// optional mid-bias (getMid) per §4.5.
func InitialProfileIndex(profiles []ProfileSummary, is4K, getMid bool) int {
	budget := int64(DefaultInitBitrateBps)
	if is4K {
		budget = DefaultInitBitrate4KBps
	}
	candidates := nonIframeIndices(profiles)
	if len(candidates) == 0 {
		return -1
	}

	best := candidates[0]
	for _, idx := range candidates {
		if profiles[idx].BandwidthBps <= budget && profiles[idx].BandwidthBps > profiles[best].BandwidthBps {
			best = idx
		}
	}
	if !getMid || len(candidates) < 3 {
		return best
	}
	return candidates[len(candidates)/2]
}

func nonIframeIndices(profiles []ProfileSummary) []int {
	var out []int
	for i, p := range profiles {
		if !p.IsIframeTrack {
			out = append(out, i)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return profiles[out[i]].BandwidthBps < profiles[out[j]].BandwidthBps
	})
	return out
}

// GetBestMatchedProfileIndexByBandWidth returns the largest non-iframe
// profile whose bandwidth does not exceed bps.
func GetBestMatchedProfileIndexByBandWidth(profiles []ProfileSummary, bps int64) int {
	candidates := nonIframeIndices(profiles)
	best := -1
	for _, idx := range candidates {
		if profiles[idx].BandwidthBps <= bps {
			best = idx
		}
	}
	if best == -1 && len(candidates) > 0 {
		return candidates[0] // saturate at the lowest profile
	}
	return best
}

// GetRampedDownProfileIndex returns the next-lower non-iframe profile,
// saturating at the lowest.
func GetRampedDownProfileIndex(profiles []ProfileSummary, curIdx int) int {
	candidates := nonIframeIndices(profiles)
	pos := indexOf(candidates, curIdx)
	if pos <= 0 {
		if len(candidates) > 0 {
			return candidates[0]
		}
		return curIdx
	}
	return candidates[pos-1]
}

func indexOf(s []int, v int) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

// GetLowestIframeProfile returns the lowest-bandwidth iframe profile.
func GetLowestIframeProfile(profiles []ProfileSummary) int {
	best := -1
	for i, p := range profiles {
		if !p.IsIframeTrack {
			continue
		}
		if best == -1 || p.BandwidthBps < profiles[best].BandwidthBps {
			best = i
		}
	}
	return best
}

// GetDesiredIframeProfile selects the iframe profile best matching bps,
// the largest one not exceeding it, saturating at the lowest.
func GetDesiredIframeProfile(profiles []ProfileSummary, bps int64) int {
	best := -1
	for i, p := range profiles {
		if !p.IsIframeTrack {
			continue
		}
		if p.BandwidthBps <= bps && (best == -1 || p.BandwidthBps > profiles[best].BandwidthBps) {
			best = i
		}
	}
	if best == -1 {
		return GetLowestIframeProfile(profiles)
	}
	return best
}

// GetProfileIndexByBitrateRampUpOrDown implements §4.5's ramp up/down
// decision: after nwConsistencyCount samples trending the same direction,
// promotes to the next-higher profile whose bandwidth is <=
// netBps*safetyFactor, or immediately demotes if the current profile's
// bandwidth exceeds netBps by more than the hysteresis band.
func (c *Controller) GetProfileIndexByBitrateRampUpOrDown(profiles []ProfileSummary, curIdx int, netBps int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if curIdx < 0 || curIdx >= len(profiles) {
		return curIdx
	}
	curBps := profiles[curIdx].BandwidthBps

	if curBps > netBps+c.rampDownHysteresis {
		c.consistencyCounter = 0
		c.consistencyDir = 0
		return GetRampedDownProfileIndex(profiles, curIdx)
	}

	candidates := nonIframeIndices(profiles)
	pos := indexOf(candidates, curIdx)

	wantsUp := pos >= 0 && pos+1 < len(candidates) &&
		profiles[candidates[pos+1]].BandwidthBps <= int64(float64(netBps)*defaultSafetyFactor)

	dir := 0
	if wantsUp {
		dir = 1
	} else if curBps > netBps {
		dir = -1
	}

	if dir == 0 || dir != c.consistencyDir {
		c.consistencyDir = dir
		c.consistencyCounter = 0
		if dir == 0 {
			return curIdx
		}
	}
	c.consistencyCounter++

	if c.consistencyCounter < c.nwConsistencyCount {
		return curIdx
	}
	c.consistencyCounter = 0

	if dir > 0 {
		return candidates[pos+1]
	}
	return GetRampedDownProfileIndex(profiles, curIdx)
}

// SelectProfile is the single entry point StreamAbstraction calls after
// each fetched video segment (§2's "ABR re-evaluation runs after each
// fetched video segment"): it folds suppression, outlier-rejected
// measurement, and ramp up/down into one decision.
func (c *Controller) SelectProfile(now time.Time, profiles []ProfileSummary, curIdx int) int {
	measured := c.MeasuredBandwidthBps(now)
	if measured == 0 {
		return curIdx
	}
	if curIdx >= 0 && curIdx < len(profiles) && c.suppressed(now, measured, profiles[curIdx].BandwidthBps) {
		return curIdx
	}
	return c.GetProfileIndexByBitrateRampUpOrDown(profiles, curIdx, measured)
}
