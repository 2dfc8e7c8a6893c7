package abr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func profiles() []ProfileSummary {
	return []ProfileSummary{
		{Index: 0, BandwidthBps: 1500000},
		{Index: 1, BandwidthBps: 3000000},
		{Index: 2, BandwidthBps: 6000000},
		{Index: 3, BandwidthBps: 200000, IsIframeTrack: true},
	}
}

func TestInitialProfileIndex_PicksLargestUnderBudget(t *testing.T) {
	idx := InitialProfileIndex(profiles(), false, false)
	assert.Equal(t, 0, idx) // only the 1,500,000 bps profile fits under the 2,500,000 default budget
}

func TestInitialProfileIndex_4KBudget(t *testing.T) {
	idx := InitialProfileIndex(profiles(), true, false)
	assert.Equal(t, 2, idx) // all three non-iframe profiles fit under the 4K budget
}

func TestGetBestMatchedProfileIndexByBandWidth(t *testing.T) {
	assert.Equal(t, 1, GetBestMatchedProfileIndexByBandWidth(profiles(), 4000000))
	assert.Equal(t, 2, GetBestMatchedProfileIndexByBandWidth(profiles(), 10000000))
	assert.Equal(t, 0, GetBestMatchedProfileIndexByBandWidth(profiles(), 100))
}

func TestGetRampedDownProfileIndex_SaturatesAtLowest(t *testing.T) {
	assert.Equal(t, 1, GetRampedDownProfileIndex(profiles(), 2))
	assert.Equal(t, 0, GetRampedDownProfileIndex(profiles(), 0))
}

func TestIframeProfileSelection(t *testing.T) {
	assert.Equal(t, 3, GetLowestIframeProfile(profiles()))
	assert.Equal(t, 3, GetDesiredIframeProfile(profiles(), 100000000))
}

func TestController_MeasuredBandwidth_RejectsOutliers(t *testing.T) {
	c := NewController()
	now := time.Now()
	c.AddSample(now, 3000000)
	c.AddSample(now, 3100000)
	c.AddSample(now, 3200000)
	c.AddSample(now, 50000000) // gross outlier

	measured := c.MeasuredBandwidthBps(now)
	assert.Less(t, measured, int64(10000000))
}

func TestController_EvictsStaleSamples(t *testing.T) {
	c := NewController(WithCacheLifeMs(100))
	base := time.Now()
	c.AddSample(base, 1000000)

	later := base.Add(200 * time.Millisecond)
	assert.Equal(t, int64(0), c.MeasuredBandwidthBps(later))
}

func TestController_RampUpRequiresConsistency(t *testing.T) {
	c := NewController(WithNWConsistencyCount(2))
	ps := profiles()

	idx := c.GetProfileIndexByBitrateRampUpOrDown(ps, 0, 5000000)
	assert.Equal(t, 0, idx, "first consistent sample should not yet ramp up")

	idx = c.GetProfileIndexByBitrateRampUpOrDown(ps, 0, 5000000)
	assert.Equal(t, 1, idx, "second consistent sample should ramp up")
}

func TestController_RampDownIsImmediate(t *testing.T) {
	c := NewController(WithRampDownHysteresisBps(500000))
	ps := profiles()

	idx := c.GetProfileIndexByBitrateRampUpOrDown(ps, 2, 1000000)
	assert.Equal(t, 1, idx)
}

func TestController_SuppressedDuringSkipWindow(t *testing.T) {
	c := NewController(WithSkipDurationSec(6))
	ps := profiles()
	now := time.Now()
	c.MarkTuneStart(now)
	c.AddSample(now, 10000000)

	idx := c.SelectProfile(now.Add(2*time.Second), ps, 1)
	assert.Equal(t, 1, idx, "ABR should be suppressed within the skip window when bandwidth is healthy")
}

func TestController_NotSuppressedWhenBandwidthDropsBelowCurrent(t *testing.T) {
	c := NewController(WithSkipDurationSec(6), WithNWConsistencyCount(1))
	ps := profiles()
	now := time.Now()
	c.MarkTuneStart(now)
	c.AddSample(now, 1000000)

	idx := c.SelectProfile(now.Add(2*time.Second), ps, 2)
	assert.Less(t, idx, 2, "a profile bandwidth already above measured should still ramp down inside the skip window")
}
