package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"go.uber.org/zap"

	"example.com/cristian-time/base/metrics"
	"example.com/cristian-time/base/timemath"
	"example.com/cristian-time/net/wire"
)

const defaultTimeout = 2 * time.Second

// Result holds one round-trip measurement: the authority's reported time and
// the elapsed real time for the full round trip.
type Result struct {
	ServerTime float64
	RTT        time.Duration
}

// EstimatedServerTime returns Cristian's estimate of the authority's time at
// the moment the response was fully received, assuming symmetric one-way
// delay and zero authority processing time.
func (r Result) EstimatedServerTime() float64 {
	return r.ServerTime + timemath.Seconds(r.RTT)/2.0
}

type ErrorKind int

const (
	KindConnection ErrorKind = iota
	KindTimeout
	KindMalformed
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// SyncError is the single failure surface of a sync round. All connection,
// timeout, and malformed-response conditions are reported through it.
type SyncError struct {
	Kind ErrorKind
	Err  error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync failed (%s): %v", e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

type sessionMetrics struct {
	reqsSent      prometheus.Counter
	respsAccepted prometheus.Counter
}

func newSessionMetrics() *sessionMetrics {
	return &sessionMetrics{
		reqsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.SyncReqsSentN,
			Help: metrics.SyncReqsSentH,
		}),
		respsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.SyncRespsAcceptedN,
			Help: metrics.SyncRespsAcceptedH,
		}),
	}
}

var mtrcs = newSessionMetrics()

// Session performs single Cristian round trips against the delay relay. It
// never retries and never adjusts any clock; retry and re-anchoring policy
// belong to the caller.
type Session struct {
	Log     *zap.Logger
	Timeout time.Duration
}

// Run sends one time request to remoteAddr and measures the elapsed real
// time until the complete response is received. The round trip is bounded by
// the context deadline or, if the context carries none, by the session
// timeout.
func (s *Session) Run(ctx context.Context, remoteAddr string) (Result, error) {
	timeout := s.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	deadline, deadlineIsSet := ctx.Deadline()
	if !deadlineIsSet {
		deadline = time.Now().Add(timeout)
	}

	d := net.Dialer{Deadline: deadline}

	t0 := time.Now()
	conn, err := d.DialContext(ctx, "tcp", remoteAddr)
	if err != nil {
		return Result{}, classify(KindConnection, err)
	}
	defer conn.Close()
	err = conn.SetDeadline(deadline)
	if err != nil {
		return Result{}, classify(KindConnection, err)
	}

	err = wire.WriteRequest(conn)
	if err != nil {
		return Result{}, classify(KindConnection, err)
	}
	mtrcs.reqsSent.Inc()

	resp, err := wire.ReadResponse(wire.NewReader(conn))
	if err != nil {
		if errors.Is(err, wire.ErrMalformedMessage) {
			return Result{}, &SyncError{Kind: KindMalformed, Err: err}
		}
		return Result{}, classify(KindConnection, err)
	}
	t2 := time.Now()
	mtrcs.respsAccepted.Inc()

	res := Result{
		ServerTime: resp.ServerTime,
		RTT:        t2.Sub(t0),
	}
	s.Log.Debug("received time response",
		zap.String("from", remoteAddr),
		zap.Float64("server_time", res.ServerTime),
		zap.Duration("rtt", res.RTT),
	)
	return res, nil
}

func classify(kind ErrorKind, err error) *SyncError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &SyncError{Kind: KindTimeout, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &SyncError{Kind: KindTimeout, Err: err}
	}
	return &SyncError{Kind: kind, Err: err}
}
