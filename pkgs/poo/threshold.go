package poo

import (
	"math"

	log "github.com/sirupsen/logrus"
)

// Threshold bounds and correction parameters.
const (
	EpochLength = 100 // blocks per major adjustment epoch

	EMAAlpha             = 0.1
	PerBlockClampPercent = 0.02 // max 2% change per block
	EpochClampMin        = 0.25 // max 4x down per epoch
	EpochClampMax        = 4.0  // max 4x up per epoch

	DefaultMinThreshold = 1e-6
	DefaultMaxThreshold = 1e9
)

// ThresholdController adapts the proof-of-optimization threshold to
// hold the target block time. Two loops: a small per-block EMA nudge
// and a major proportional correction every EpochLength blocks. When
// both fire on the same block, the epoch correction runs first.
type ThresholdController struct {
	threshold       float64
	targetBlockTime float64
	minThreshold    float64
	maxThreshold    float64

	emaBlockTime  float64
	started       bool
	lastBlockTime int64
	blocksInEpoch int
	epochStart    int64

	adjustments int
}

// NewThresholdController creates a controller starting at
// initialThreshold with the given target block time in seconds.
func NewThresholdController(initialThreshold, targetBlockTime float64) *ThresholdController {
	if targetBlockTime <= 0 {
		targetBlockTime = 600
	}
	if initialThreshold <= 0 {
		initialThreshold = 1.0
	}
	return &ThresholdController{
		threshold:       initialThreshold,
		targetBlockTime: targetBlockTime,
		minThreshold:    DefaultMinThreshold,
		maxThreshold:    DefaultMaxThreshold,
		emaBlockTime:    targetBlockTime,
	}
}

// SetBounds overrides the absolute threshold bounds.
func (c *ThresholdController) SetBounds(min, max float64) {
	if min > 0 && max > min {
		c.minThreshold, c.maxThreshold = min, max
	}
}

// Threshold returns the current threshold.
func (c *ThresholdController) Threshold() float64 {
	return c.threshold
}

// EMABlockTime returns the smoothed observed block time.
func (c *ThresholdController) EMABlockTime() float64 {
	return c.emaBlockTime
}

// OnNewBlock feeds a freshly generated block's timestamp into both
// correction loops and returns the threshold for the next block.
func (c *ThresholdController) OnNewBlock(blockTimestamp int64) float64 {
	if !c.started {
		c.started = true
		c.lastBlockTime = blockTimestamp
		c.epochStart = blockTimestamp
		c.blocksInEpoch = 1
		return c.threshold
	}

	elapsed := math.Max(0.001, float64(blockTimestamp-c.lastBlockTime))
	c.emaBlockTime = EMAAlpha*elapsed + (1-EMAAlpha)*c.emaBlockTime
	c.lastBlockTime = blockTimestamp
	c.blocksInEpoch++

	// Epoch correction first, then the per-block EMA nudge.
	if c.blocksInEpoch >= EpochLength {
		c.applyEpochCorrection(blockTimestamp)
	}
	c.applyPerBlockCorrection()

	return c.threshold
}

// applyPerBlockCorrection nudges the threshold by at most 2%:
// T <- T * (1 + (target/ema - 1)) with the correction clamped to ±2%.
//
// Fast blocks (smoothed block time below target) make the correction
// positive and raise the threshold; slow blocks lower it.
func (c *ThresholdController) applyPerBlockCorrection() {
	if c.emaBlockTime <= 0 {
		return
	}
	correction := c.targetBlockTime/c.emaBlockTime - 1
	correction = math.Max(-PerBlockClampPercent, math.Min(PerBlockClampPercent, correction))
	c.threshold = c.clamp(c.threshold * (1 + correction))
}

// applyEpochCorrection is the major Bitcoin-style adjustment: compare
// the actual epoch duration with the target and scale proportionally,
// clamped to [1/4, 4].
func (c *ThresholdController) applyEpochCorrection(now int64) {
	actual := float64(now - c.epochStart)
	target := float64(EpochLength) * c.targetBlockTime

	if actual > 0 && target > 0 {
		ratio := target / actual
		ratio = math.Max(EpochClampMin, math.Min(EpochClampMax, ratio))
		c.threshold = c.clamp(c.threshold * ratio)
		c.adjustments++
		log.Infof("Epoch threshold adjustment #%d: ratio %.3f, threshold now %.6g",
			c.adjustments, ratio, c.threshold)
	}

	c.epochStart = now
	c.blocksInEpoch = 0
}

func (c *ThresholdController) clamp(t float64) float64 {
	return math.Max(c.minThreshold, math.Min(c.maxThreshold, t))
}
