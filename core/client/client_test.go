package client

import (
	"context"
	"errors"
	"math"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"example.com/cristian-time/base/timemath"
	"example.com/cristian-time/net/wire"
)

func TestEstimatedServerTime(t *testing.T) {
	res := Result{ServerTime: 1000.000, RTT: 4 * time.Millisecond}
	got := res.EstimatedServerTime()
	if math.Abs(got-1000.002) > 1e-9 {
		t.Errorf("estimated server time: got %v, want 1000.002", got)
	}
}

// fakeAuthority serves one connection at a time with the given handler and
// returns its address.
func fakeAuthority(t *testing.T, handle func(net.Conn)) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				handle(conn)
			}()
		}
	}()
	return l.Addr().String()
}

func TestRunMeasuresRoundTrip(t *testing.T) {
	addr := fakeAuthority(t, func(conn net.Conn) {
		_, err := wire.ReadRequest(wire.NewReader(conn))
		if err != nil {
			return
		}
		_ = wire.WriteResponse(conn, timemath.UnixSeconds(time.Now()))
	})

	s := &Session{Log: zap.NewNop()}
	res, err := s.Run(context.Background(), addr)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.RTT <= 0 {
		t.Errorf("round trip time: got %v, want > 0", res.RTT)
	}
	if res.ServerTime <= 0 {
		t.Errorf("server time: got %v, want > 0", res.ServerTime)
	}
	if res.EstimatedServerTime() <= res.ServerTime {
		t.Errorf("estimate %v must exceed reported time %v", res.EstimatedServerTime(), res.ServerTime)
	}
}

func TestRunConnectionRefused(t *testing.T) {
	s := &Session{Log: zap.NewNop(), Timeout: 500 * time.Millisecond}
	_, err := s.Run(context.Background(), "127.0.0.1:1")
	var syncErr *SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("refused connection: got %v, want SyncError", err)
	}
	if syncErr.Kind != KindConnection {
		t.Errorf("error kind: got %v, want %v", syncErr.Kind, KindConnection)
	}
}

func TestRunMalformedResponse(t *testing.T) {
	addr := fakeAuthority(t, func(conn net.Conn) {
		_, _ = wire.ReadFrame(wire.NewReader(conn))
		_, _ = conn.Write([]byte("{\"type\":\"bogus\"}\n"))
	})

	s := &Session{Log: zap.NewNop()}
	_, err := s.Run(context.Background(), addr)
	var syncErr *SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("malformed response: got %v, want SyncError", err)
	}
	if syncErr.Kind != KindMalformed {
		t.Errorf("error kind: got %v, want %v", syncErr.Kind, KindMalformed)
	}
}

func TestRunTimeout(t *testing.T) {
	addr := fakeAuthority(t, func(conn net.Conn) {
		_, _ = wire.ReadFrame(wire.NewReader(conn))
		time.Sleep(500 * time.Millisecond)
	})

	s := &Session{Log: zap.NewNop(), Timeout: 50 * time.Millisecond}
	_, err := s.Run(context.Background(), addr)
	var syncErr *SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("hung response: got %v, want SyncError", err)
	}
	if syncErr.Kind != KindTimeout {
		t.Errorf("error kind: got %v, want %v", syncErr.Kind, KindTimeout)
	}
}

func TestRunDisconnectBeforeResponse(t *testing.T) {
	addr := fakeAuthority(t, func(conn net.Conn) {
		_, _ = wire.ReadFrame(wire.NewReader(conn))
	})

	s := &Session{Log: zap.NewNop(), Timeout: 500 * time.Millisecond}
	_, err := s.Run(context.Background(), addr)
	var syncErr *SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("early disconnect: got %v, want SyncError", err)
	}
	if syncErr.Kind != KindConnection {
		t.Errorf("error kind: got %v, want %v", syncErr.Kind, KindConnection)
	}
}
