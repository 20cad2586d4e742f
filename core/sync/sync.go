// Package sync drives Cristian synchronization rounds against the delay
// relay and keeps the local drift clock within a bounded worst-case error.
package sync

import (
	"context"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"go.uber.org/zap"

	"example.com/cristian-time/base/metrics"
	"example.com/cristian-time/base/timemath"
	"example.com/cristian-time/core/client"
	"example.com/cristian-time/driver/clocks"
)

const (
	defaultPollInterval = 10 * time.Millisecond

	// shortRetryInterval is used after a failed round, and when network
	// uncertainty alone already consumes the whole error budget.
	shortRetryInterval = 500 * time.Millisecond

	// minSyncInterval floors the budget-derived interval to prevent sync
	// storms under large drift.
	minSyncInterval = 10 * time.Millisecond

	// maxIdleInterval caps the interval for an effectively driftless clock;
	// "never resync" is not a safe schedule. Tunable safety constant, not
	// derived from the error budget.
	maxIdleInterval = 64 * time.Second

	epsilonTiny = 1e-12
)

// Recorder receives one record per whole-second tick of the trace loop.
type Recorder interface {
	Record(realTime, localTime float64) error
}

type Config struct {
	// EpsilonMax is the maximum tolerable absolute clock error, in seconds.
	EpsilonMax float64
	// RunDuration bounds the whole run in wall-clock time.
	RunDuration time.Duration
	// RelayAddr is the delay relay endpoint.
	RelayAddr string
	// PollInterval is the idle sleep between loop passes; it must stay well
	// below one second so trace ticks are not missed.
	PollInterval time.Duration
	// Timeout bounds a single round trip.
	Timeout time.Duration
}

type schedulerMetrics struct {
	syncsOK     prometheus.Counter
	syncsFailed prometheus.Counter
}

func newSchedulerMetrics() *schedulerMetrics {
	return &schedulerMetrics{
		syncsOK: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.SchedulerSyncsOKN,
			Help: metrics.SchedulerSyncsOKH,
		}),
		syncsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.SchedulerSyncsFailedN,
			Help: metrics.SchedulerSyncsFailedH,
		}),
	}
}

var mtrcs = newSchedulerMetrics()

// Scheduler owns one drift clock and decides when to run sync rounds so that
// the guaranteed error bound rtt/2 + |rho|*elapsed never exceeds the budget
// between rounds. It also emits one trace record per whole second,
// independent of the sync cadence.
type Scheduler struct {
	log     *zap.Logger
	cfg     Config
	clk     *clocks.DriftClock
	session *client.Session
	rec     Recorder
}

func NewScheduler(log *zap.Logger, cfg Config, clk *clocks.DriftClock, rec Recorder) *Scheduler {
	return &Scheduler{
		log: log,
		cfg: cfg,
		clk: clk,
		session: &client.Session{
			Log:     log,
			Timeout: cfg.Timeout,
		},
		rec: rec,
	}
}

// SafeInterval returns the longest interval until the next sync such that
// the worst-case error delta + |rho|*interval stays within epsilonMax, where
// delta = rtt/2 is the immediate post-sync uncertainty from network delay.
func SafeInterval(epsilonMax, rho float64, rtt time.Duration) time.Duration {
	delta := timemath.Seconds(rtt) / 2.0
	margin := epsilonMax - delta
	if margin <= 0 {
		return shortRetryInterval
	}
	rho = math.Abs(rho)
	if rho < epsilonTiny {
		interval := margin / epsilonTiny
		if interval > timemath.Seconds(maxIdleInterval) {
			return maxIdleInterval
		}
		return timemath.Duration(interval)
	}
	interval := margin / rho
	if interval < timemath.Seconds(minSyncInterval) {
		return minSyncInterval
	}
	if interval >= float64(math.MaxInt64)/float64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return timemath.Duration(interval)
}

// Run performs an immediate first sync and then loops until the run duration
// elapses, polling both the sync deadline and the 1 Hz trace deadline in the
// same pass. The loop finishes its current pass on cancellation; an in-flight
// round is left to complete or time out on its own.
func (s *Scheduler) Run(ctx context.Context) error {
	poll := s.cfg.PollInterval
	if poll == 0 {
		poll = defaultPollInterval
	}

	end := time.Now().Add(s.cfg.RunDuration)
	syncDeadline := time.Now()
	nextTrace := math.Floor(timemath.UnixSeconds(time.Now())) + 1.0

	for time.Now().Before(end) {
		if ctx.Err() != nil {
			break
		}

		if !time.Now().Before(syncDeadline) {
			syncDeadline = time.Now().Add(s.syncOnce(ctx))
		}

		// The trace check runs after the sync check so a tick that lands in
		// the same pass as a sync reflects the re-anchored clock.
		t := timemath.UnixSeconds(time.Now())
		if t >= nextTrace {
			err := s.rec.Record(t, s.clk.Read())
			if err != nil {
				return err
			}
			nextTrace += 1.0
		}

		s.clk.Sleep(poll)
	}
	return nil
}

// syncOnce runs one round and returns the interval until the next one. On
// failure the clock keeps its last good anchors and the retry is scheduled
// at a short fixed interval, since no fresh measurement exists to derive a
// budget-based one.
func (s *Scheduler) syncOnce(ctx context.Context) time.Duration {
	res, err := s.session.Run(ctx, s.cfg.RelayAddr)
	if err != nil {
		mtrcs.syncsFailed.Inc()
		s.log.Info("sync attempt failed",
			zap.String("relay", s.cfg.RelayAddr),
			zap.Error(err),
		)
		return shortRetryInterval
	}

	before := s.clk.Read()
	s.clk.Reanchor(res.EstimatedServerTime())
	after := s.clk.Read()

	interval := SafeInterval(s.cfg.EpsilonMax, s.clk.Drift(), res.RTT)
	mtrcs.syncsOK.Inc()
	s.log.Info("synchronized",
		zap.Duration("rtt", res.RTT),
		zap.Float64("offset_applied", after-before),
		zap.Duration("next_sync_in", interval),
	)
	return interval
}
