package sync

import (
	"context"
	"math"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"example.com/cristian-time/base/timemath"
	"example.com/cristian-time/driver/clocks"
	"example.com/cristian-time/net/wire"
)

func TestSafeIntervalFromBudget(t *testing.T) {
	// delta = 0.005, margin = 0.045, 0.045 / 2e-6 = 22500s
	got := SafeInterval(0.05, 2e-6, 10*time.Millisecond)
	want := 22500 * time.Second
	if d := got - want; d < -time.Millisecond || d > time.Millisecond {
		t.Errorf("interval: got %v, want %v", got, want)
	}
}

func TestSafeIntervalExhaustedBudget(t *testing.T) {
	// delta = 0.06 > epsilonMax = 0.05
	got := SafeInterval(0.05, 2e-6, 120*time.Millisecond)
	if got != shortRetryInterval {
		t.Errorf("interval with exhausted budget: got %v, want %v", got, shortRetryInterval)
	}
}

func TestSafeIntervalMonotonicInDrift(t *testing.T) {
	rhos := []float64{1e-6, 1e-5, 1e-4, 1e-3}
	prev := time.Duration(math.MaxInt64)
	for _, rho := range rhos {
		got := SafeInterval(0.05, rho, 10*time.Millisecond)
		if got >= prev {
			t.Errorf("interval at rho=%v: got %v, want < %v", rho, got, prev)
		}
		prev = got
	}
}

func TestSafeIntervalSignIndependent(t *testing.T) {
	pos := SafeInterval(0.05, 2e-6, 10*time.Millisecond)
	neg := SafeInterval(0.05, -2e-6, 10*time.Millisecond)
	if pos != neg {
		t.Errorf("interval must depend on |rho|: got %v and %v", pos, neg)
	}
}

func TestSafeIntervalDriftlessClamp(t *testing.T) {
	got := SafeInterval(0.05, 0.0, 10*time.Millisecond)
	if got != maxIdleInterval {
		t.Errorf("driftless interval: got %v, want %v", got, maxIdleInterval)
	}
}

func TestSafeIntervalFloor(t *testing.T) {
	// margin/|rho| = 0.045/10 = 4.5ms, below the floor
	got := SafeInterval(0.05, 10.0, 10*time.Millisecond)
	if got != minSyncInterval {
		t.Errorf("interval below floor: got %v, want %v", got, minSyncInterval)
	}
}

type captureRecorder struct {
	rows [][2]float64
}

func (r *captureRecorder) Record(realTime, localTime float64) error {
	r.rows = append(r.rows, [2]float64{realTime, localTime})
	return nil
}

// fakeAuthority answers every connection directly with its real time,
// playing both relay and authority without injected delay.
func fakeAuthority(t *testing.T) string {
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
				_, err := wire.ReadRequest(wire.NewReader(conn))
				if err != nil {
					return
				}
				_ = wire.WriteResponse(conn, timemath.UnixSeconds(time.Now()))
			}()
		}
	}()
	return l.Addr().String()
}

func TestSchedulerKeepsAnchorsOnFailure(t *testing.T) {
	clk := clocks.NewDriftClock(zap.NewNop(), 2e-6)
	ra0, la0 := clk.Anchors()

	s := NewScheduler(zap.NewNop(), Config{
		EpsilonMax:   0.05,
		RunDuration:  80 * time.Millisecond,
		RelayAddr:    "127.0.0.1:1", // nothing listens here
		PollInterval: 5 * time.Millisecond,
		Timeout:      20 * time.Millisecond,
	}, clk, &captureRecorder{})

	err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	ra1, la1 := clk.Anchors()
	if ra1 != ra0 || la1 != la0 {
		t.Errorf("anchors changed after failed syncs: got (%v, %v), want (%v, %v)", ra1, la1, ra0, la0)
	}
}

func TestSchedulerReanchorsOnSuccess(t *testing.T) {
	addr := fakeAuthority(t)
	clk := clocks.NewDriftClock(zap.NewNop(), 2e-6)
	_, la0 := clk.Anchors()

	s := NewScheduler(zap.NewNop(), Config{
		EpsilonMax:   0.05,
		RunDuration:  50 * time.Millisecond,
		RelayAddr:    addr,
		PollInterval: 5 * time.Millisecond,
	}, clk, &captureRecorder{})

	err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if clk.LastSyncReal() <= la0 {
		t.Errorf("clock was not reanchored: lastSync %v, initial anchor %v", clk.LastSyncReal(), la0)
	}
	if diff := math.Abs(clk.Read() - timemath.UnixSeconds(time.Now())); diff > 0.05 {
		t.Errorf("clock error after sync: got %v, want <= 0.05", diff)
	}
}

func TestSchedulerBoundsErrorAndTraces(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping multi-second scheduler run")
	}
	addr := fakeAuthority(t)
	epsilonMax := 0.05
	clk := clocks.NewDriftClock(zap.NewNop(), 5e-4)
	rec := &captureRecorder{}

	s := NewScheduler(zap.NewNop(), Config{
		EpsilonMax:   epsilonMax,
		RunDuration:  2200 * time.Millisecond,
		RelayAddr:    addr,
		PollInterval: 5 * time.Millisecond,
	}, clk, rec)

	err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(rec.rows) < 2 {
		t.Fatalf("trace rows: got %d, want >= 2", len(rec.rows))
	}
	for i, row := range rec.rows {
		realTime, localTime := row[0], row[1]
		// The authority reports real time, so the true error is the
		// distance between the drifting clock and real time.
		if diff := math.Abs(localTime - realTime); diff > epsilonMax {
			t.Errorf("row %d: clock error %v exceeds budget %v", i, diff, epsilonMax)
		}
		if i > 0 {
			gap := realTime - rec.rows[i-1][0]
			if gap < 0.9 || gap > 1.1 {
				t.Errorf("row %d: tick spacing %v, want about 1s", i, gap)
			}
		}
	}
}
