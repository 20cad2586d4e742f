package clocks

import (
	"time"

	"go.uber.org/zap"

	"example.com/cristian-time/base/timebase"
)

type SystemClock struct {
	log *zap.Logger
}

var _ timebase.LocalClock = (*SystemClock)(nil)

func NewSystemClock(log *zap.Logger) *SystemClock {
	return &SystemClock{log: log}
}

func (c *SystemClock) Now() time.Time {
	return time.Now().UTC()
}

func (c *SystemClock) Drift() float64 {
	return 0.0
}

func (c *SystemClock) Sleep(duration time.Duration) {
	c.log.Debug("sleeping", zap.Duration("duration", duration))
	time.Sleep(duration)
}
