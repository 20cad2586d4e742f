package clocks

import (
	"math"
	"time"

	"go.uber.org/zap"

	"example.com/cristian-time/base/timebase"
	"example.com/cristian-time/base/timemath"
)

// DriftClock models a local clock that diverges from real time at a fixed
// rate. With anchors (realAnchor, localAnchor), the reported local time at
// real time t is
//
//	localAnchor + (t - realAnchor) * (1 + rho)
//
// Reanchoring replaces both anchors; there is no other mutable state. A
// DriftClock is owned by a single client instance and is not safe for
// concurrent use.
type DriftClock struct {
	log         *zap.Logger
	rho         float64
	realAnchor  float64
	localAnchor float64
	lastSync    float64
}

var _ timebase.LocalClock = (*DriftClock)(nil)

// NewDriftClock returns a clock with drift ratio rho, anchored to the
// identity mapping at the current real time.
func NewDriftClock(log *zap.Logger, rho float64) *DriftClock {
	rt := timemath.UnixSeconds(time.Now())
	return &DriftClock{
		log:         log,
		rho:         rho,
		realAnchor:  rt,
		localAnchor: rt,
		lastSync:    rt,
	}
}

func (c *DriftClock) Drift() float64 {
	return c.rho
}

// Anchors returns the current (realAnchor, localAnchor) pair, both in Unix
// seconds.
func (c *DriftClock) Anchors() (realAnchor, localAnchor float64) {
	return c.realAnchor, c.localAnchor
}

// ReadAt reports the local time at the given real time, in Unix seconds.
func (c *DriftClock) ReadAt(realNow float64) float64 {
	return c.localAnchor + (realNow-c.realAnchor)*(1.0+c.rho)
}

// Read reports the current local time in Unix seconds.
func (c *DriftClock) Read() float64 {
	return c.ReadAt(timemath.UnixSeconds(time.Now()))
}

// Reanchor sets the local time to newLocal as of the current real time.
// Subsequent reads drift away from newLocal at rate rho.
func (c *DriftClock) Reanchor(newLocal float64) {
	rt := timemath.UnixSeconds(time.Now())
	c.log.Debug("reanchoring clock",
		zap.Float64("real", rt),
		zap.Float64("local", newLocal),
	)
	c.realAnchor = rt
	c.localAnchor = newLocal
	c.lastSync = rt
}

// LastSyncReal returns the real time of the last reanchoring, in Unix
// seconds.
func (c *DriftClock) LastSyncReal() float64 {
	return c.lastSync
}

// DriftErrorBound returns the worst-case absolute error accumulated from
// drift alone since the last reanchoring.
func (c *DriftClock) DriftErrorBound() float64 {
	dt := timemath.UnixSeconds(time.Now()) - c.lastSync
	return math.Abs(c.rho) * dt
}

func (c *DriftClock) Now() time.Time {
	return timemath.TimeFromUnixSeconds(c.Read())
}

func (c *DriftClock) Sleep(duration time.Duration) {
	time.Sleep(duration)
}
