package benchmark

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"go.uber.org/zap"

	"example.com/cristian-time/core/client"
)

const (
	DefaultNumClient           = 100
	DefaultNumRequestPerClient = 2_000
)

// Run hammers the relay with numClient concurrent sessions issuing
// numRequest round trips each and prints the round-trip time distribution
// in microseconds.
func Run(remoteAddr string, numClient, numRequest int, log *zap.Logger) {
	if numClient == 0 {
		numClient = DefaultNumClient
	}
	if numRequest == 0 {
		numRequest = DefaultNumRequestPerClient
	}

	dlog := zap.NewNop()

	var mu sync.Mutex
	total := hdrhistogram.New(1, 5_000_000, 3)
	sg := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(numClient)

	for range numClient {
		go func() {
			defer wg.Done()
			hg := hdrhistogram.New(1, 5_000_000, 3)
			s := &client.Session{Log: dlog}

			<-sg
			for range numRequest {
				ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
				res, err := s.Run(ctx, remoteAddr)
				cancel()
				if err != nil {
					dlog.Info("failed to measure round trip", zap.Error(err))
					continue
				}
				_ = hg.RecordValue(res.RTT.Microseconds())
			}
			mu.Lock()
			defer mu.Unlock()
			total.Merge(hg)
		}()
	}
	t0 := time.Now()
	close(sg)
	wg.Wait()
	log.Info("benchmark done",
		zap.Duration("elapsed", time.Since(t0)),
		zap.Int64("round trips", total.TotalCount()),
	)
	_, _ = total.PercentilesPrint(os.Stdout, 1, 1.0)
}
