package timemath

import (
	"time"
)

func Seconds(d time.Duration) float64 {
	return float64(d) / float64(time.Second)
}

func Duration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func TimeFromUnixSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*float64(time.Second))).UTC()
}
