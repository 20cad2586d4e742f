// Package server implements the time authority, a TCP server that answers
// each well-formed time request with its current time. It tracks no client
// identity or history.
package server

import (
	"errors"
	"net"
	"time"

	"github.com/libp2p/go-reuseport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"go.uber.org/zap"

	"example.com/cristian-time/base/metrics"
	"example.com/cristian-time/base/timebase"
	"example.com/cristian-time/base/timemath"
	"example.com/cristian-time/net/wire"
)

const (
	defaultNumListener = 4

	// connTimeout bounds a whole request/response exchange; a client that
	// never sends a complete request cannot pin a handler goroutine.
	connTimeout = 10 * time.Second
)

type serverMetrics struct {
	connsAccepted prometheus.Counter
	reqsServed    prometheus.Counter
}

func newServerMetrics() *serverMetrics {
	return &serverMetrics{
		connsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.AuthorityConnsAcceptedN,
			Help: metrics.AuthorityConnsAcceptedH,
		}),
		reqsServed: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.AuthorityReqsServedN,
			Help: metrics.AuthorityReqsServedH,
		}),
	}
}

var mtrcs = newServerMetrics()

// Server is the time authority. Start opens the listeners; Shutdown closes
// them and drains nothing: in-flight exchanges finish on their own deadlines.
type Server struct {
	Log        *zap.Logger
	ListenAddr string
	// Workers is the number of listeners sharing the port; defaults to
	// defaultNumListener.
	Workers int

	listeners []net.Listener
}

func (s *Server) Start() error {
	n := s.Workers
	if n == 0 {
		n = defaultNumListener
	}
	s.Log.Info("authority listening",
		zap.String("address", s.ListenAddr),
		zap.Int("listeners", n),
	)
	if n == 1 {
		l, err := net.Listen("tcp", s.ListenAddr)
		if err != nil {
			return err
		}
		s.listeners = append(s.listeners, l)
		go s.acceptLoop(l)
		return nil
	}
	for i := n; i > 0; i-- {
		l, err := reuseport.Listen("tcp", s.ListenAddr)
		if err != nil {
			s.Shutdown()
			return err
		}
		s.listeners = append(s.listeners, l)
		go s.acceptLoop(l)
	}
	return nil
}

// Addr returns the bound address of the first listener, for callers that
// started the server on port 0.
func (s *Server) Addr() net.Addr {
	if len(s.listeners) == 0 {
		return nil
	}
	return s.listeners[0].Addr()
}

func (s *Server) Shutdown() {
	for _, l := range s.listeners {
		_ = l.Close()
	}
	s.listeners = nil
}

func (s *Server) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.Log.Error("failed to accept connection", zap.Error(err))
			continue
		}
		mtrcs.connsAccepted.Inc()
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	err := conn.SetDeadline(time.Now().Add(connTimeout))
	if err != nil {
		s.Log.Error("failed to set connection deadline", zap.Error(err))
		return
	}

	_, err = wire.ReadRequest(wire.NewReader(conn))
	if err != nil {
		s.Log.Info("failed to read request",
			zap.Stringer("from", conn.RemoteAddr()),
			zap.Error(err),
		)
		return
	}

	err = wire.WriteResponse(conn, timemath.UnixSeconds(timebase.Now()))
	if err != nil {
		s.Log.Info("failed to write response",
			zap.Stringer("to", conn.RemoteAddr()),
			zap.Error(err),
		)
		return
	}
	mtrcs.reqsServed.Inc()
}
