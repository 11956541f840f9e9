package router

import "time"

var processStart = time.Now()

// MonotonicNow returns seconds since process start from the runtime's
// monotonic clock. All lifecycle hooks and sliding windows take timestamps
// from this clock (or a test stand-in); wall-clock time is never used for
// interval math.
func MonotonicNow() float64 {
	return time.Since(processStart).Seconds()
}
