// Package trace persists the per-second clock trace.
package trace

import (
	"encoding/csv"
	"fmt"
	"os"
)

// CSVRecorder writes one row per whole-second tick, millisecond precision:
//
//	actual_time,local_time
//	1700000001.000,1700000001.002
type CSVRecorder struct {
	f *os.File
	w *csv.Writer
}

func NewCSVRecorder(path string) (*CSVRecorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := csv.NewWriter(f)
	err = w.Write([]string{"actual_time", "local_time"})
	if err != nil {
		f.Close()
		return nil, err
	}
	return &CSVRecorder{f: f, w: w}, nil
}

func (r *CSVRecorder) Record(realTime, localTime float64) error {
	return r.w.Write([]string{
		fmt.Sprintf("%.3f", realTime),
		fmt.Sprintf("%.3f", localTime),
	})
}

func (r *CSVRecorder) Close() error {
	r.w.Flush()
	err := r.w.Error()
	cerr := r.f.Close()
	if err != nil {
		return err
	}
	return cerr
}
