package ingest

import "time"

// ControllerBounds are the configuration-supplied bounds and thresholds
// the AdaptiveController is not allowed to cross.
type ControllerBounds struct {
	LatencyThresholdHigh time.Duration
	LatencyThresholdLow  time.Duration
	PollTimeoutMin       time.Duration
	PollTimeoutMax       time.Duration
	BatchSizeMin         int
	BatchSizeMax         int
}

// AdaptiveController adjusts poll timeout and max batch size from
// observed insert latency. It holds only two scalars of state and is a
// pure function of (observed latency, prior state, bounds): it makes
// the pipeline faster when the sink is idle and slower when the sink is
// loaded, without oscillating across the dead zone between the two
// latency thresholds.
type AdaptiveController struct {
	bounds ControllerBounds

	currentPollTimeout  time.Duration
	currentMaxBatchSize int
}

// NewAdaptiveController seeds the controller from its initial
// configuration values.
func NewAdaptiveController(bounds ControllerBounds, initialPollTimeout time.Duration, initialMaxBatchSize int) *AdaptiveController {
	return &AdaptiveController{
		bounds:              bounds,
		currentPollTimeout:  initialPollTimeout,
		currentMaxBatchSize: initialMaxBatchSize,
	}
}

// PollTimeout returns the current poll timeout.
func (c *AdaptiveController) PollTimeout() time.Duration { return c.currentPollTimeout }

// MaxBatchSize returns the current max batch size.
func (c *AdaptiveController) MaxBatchSize() int { return c.currentMaxBatchSize }

// Adapt applies the adjustment rule for one observed flush latency and
// returns the updated (pollTimeout, maxBatchSize) pair.
func (c *AdaptiveController) Adapt(latency time.Duration) (time.Duration, int) {
	b := c.bounds

	switch {
	case latency > b.LatencyThresholdHigh:
		c.currentPollTimeout = minDuration(scaleDuration(c.currentPollTimeout, 1.5), b.PollTimeoutMax)
		c.currentMaxBatchSize = maxInt(int(float64(c.currentMaxBatchSize)*0.8), b.BatchSizeMin)
	case latency < b.LatencyThresholdLow:
		c.currentPollTimeout = maxDuration(scaleDuration(c.currentPollTimeout, 0.8), b.PollTimeoutMin)
		c.currentMaxBatchSize = minInt(int(float64(c.currentMaxBatchSize)*1.2), b.BatchSizeMax)
	}

	return c.currentPollTimeout, c.currentMaxBatchSize
}

func scaleDuration(d time.Duration, factor float64) time.Duration {
	return time.Duration(float64(d) * factor)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
