// Package relay implements the delay injector: a TCP proxy that forwards one
// request/response pair per connection to the time authority, inserting an
// independent uniformly distributed delay before each leg.
package relay

import (
	"errors"
	"math/rand/v2"
	"net"
	"time"

	"github.com/libp2p/go-reuseport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"go.uber.org/zap"

	"example.com/cristian-time/base/metrics"
	"example.com/cristian-time/net/wire"
)

const (
	defaultNumListener = 4
	defaultMinDelay    = 100 * time.Microsecond
	defaultMaxDelay    = 500 * time.Microsecond

	dialTimeout = 1 * time.Second
	connTimeout = 10 * time.Second
)

type relayMetrics struct {
	connsAccepted prometheus.Counter
	reqsRelayed   prometheus.Counter
}

func newRelayMetrics() *relayMetrics {
	return &relayMetrics{
		connsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.RelayConnsAcceptedN,
			Help: metrics.RelayConnsAcceptedH,
		}),
		reqsRelayed: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.RelayReqsRelayedN,
			Help: metrics.RelayReqsRelayedH,
		}),
	}
}

var mtrcs = newRelayMetrics()

// Relay forwards opaque message frames; it does not interpret their JSON
// payload. Each connection is one request/response session, handled in its
// own goroutine with no state shared across sessions.
type Relay struct {
	Log           *zap.Logger
	ListenAddr    string
	AuthorityAddr string
	// MinDelay and MaxDelay bound the uniform per-leg delay; they default to
	// [100µs, 500µs].
	MinDelay time.Duration
	MaxDelay time.Duration
	Workers  int

	listeners []net.Listener
}

func (r *Relay) Start() error {
	n := r.Workers
	if n == 0 {
		n = defaultNumListener
	}
	r.Log.Info("relay listening",
		zap.String("address", r.ListenAddr),
		zap.String("authority", r.AuthorityAddr),
		zap.Duration("min_delay", r.minDelay()),
		zap.Duration("max_delay", r.maxDelay()),
		zap.Int("listeners", n),
	)
	if n == 1 {
		l, err := net.Listen("tcp", r.ListenAddr)
		if err != nil {
			return err
		}
		r.listeners = append(r.listeners, l)
		go r.acceptLoop(l)
		return nil
	}
	for i := n; i > 0; i-- {
		l, err := reuseport.Listen("tcp", r.ListenAddr)
		if err != nil {
			r.Shutdown()
			return err
		}
		r.listeners = append(r.listeners, l)
		go r.acceptLoop(l)
	}
	return nil
}

// Addr returns the bound address of the first listener, for callers that
// started the relay on port 0.
func (r *Relay) Addr() net.Addr {
	if len(r.listeners) == 0 {
		return nil
	}
	return r.listeners[0].Addr()
}

func (r *Relay) Shutdown() {
	for _, l := range r.listeners {
		_ = l.Close()
	}
	r.listeners = nil
}

func (r *Relay) minDelay() time.Duration {
	if r.MinDelay == 0 && r.MaxDelay == 0 {
		return defaultMinDelay
	}
	return r.MinDelay
}

func (r *Relay) maxDelay() time.Duration {
	if r.MinDelay == 0 && r.MaxDelay == 0 {
		return defaultMaxDelay
	}
	return r.MaxDelay
}

func (r *Relay) randDelay() time.Duration {
	lo, hi := r.minDelay(), r.maxDelay()
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo)
}

func (r *Relay) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.Log.Error("failed to accept connection", zap.Error(err))
			continue
		}
		mtrcs.connsAccepted.Inc()
		go r.relayConn(conn)
	}
}

// relayConn handles one session: read the request frame, delay, forward it
// to the authority over a fresh connection, read the response frame, delay,
// send it back. Teardown by either side is terminal for the session.
func (r *Relay) relayConn(conn net.Conn) {
	defer conn.Close()
	err := conn.SetDeadline(time.Now().Add(connTimeout))
	if err != nil {
		r.Log.Error("failed to set connection deadline", zap.Error(err))
		return
	}

	frame, err := wire.ReadFrame(wire.NewReader(conn))
	if err != nil {
		r.Log.Info("failed to read request frame",
			zap.Stringer("from", conn.RemoteAddr()),
			zap.Error(err),
		)
		return
	}

	time.Sleep(r.randDelay())

	upstream, err := net.DialTimeout("tcp", r.AuthorityAddr, dialTimeout)
	if err != nil {
		r.Log.Info("failed to reach authority",
			zap.String("authority", r.AuthorityAddr),
			zap.Error(err),
		)
		return
	}
	defer upstream.Close()
	err = upstream.SetDeadline(time.Now().Add(connTimeout))
	if err != nil {
		r.Log.Error("failed to set connection deadline", zap.Error(err))
		return
	}

	_, err = upstream.Write(frame)
	if err != nil {
		r.Log.Info("failed to forward request", zap.Error(err))
		return
	}
	resp, err := wire.ReadFrame(wire.NewReader(upstream))
	if err != nil {
		r.Log.Info("failed to read authority response", zap.Error(err))
		return
	}

	time.Sleep(r.randDelay())

	_, err = conn.Write(resp)
	if err != nil {
		r.Log.Info("failed to relay response",
			zap.Stringer("to", conn.RemoteAddr()),
			zap.Error(err),
		)
		return
	}
	mtrcs.reqsRelayed.Inc()
}
