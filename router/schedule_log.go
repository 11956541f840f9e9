package router

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// scheduleLogHeader is the CSV header of the per-tick schedule log.
const scheduleLogHeader = "time,replica_id,num_pending_requests,num_active_requests,num_allocated_blocks,num_blocks,memory_usage_percent"

// ScheduleLogger samples the stats monitor on a fixed interval and appends
// one CSV row per replica per tick: in-prefill (pending) and in-decoding
// (active) request counts plus the block-occupancy estimate. The same tick
// refreshes the Prometheus occupancy gauges when metrics are attached.
//
// The file is created with a header on first write; later runs append.
type ScheduleLogger struct {
	monitor   *RequestStatsMonitor
	endpoints func() []Endpoint
	path      string
	interval  time.Duration

	metrics  *Metrics
	queueLen func() int // nil unless the HRA policy is active

	now  func() float64
	stop chan struct{}
	done chan struct{}
}

// NewScheduleLogger creates a logger writing rows for the endpoints
// returned by the provider. metrics and queueLen are optional.
func NewScheduleLogger(monitor *RequestStatsMonitor, endpoints func() []Endpoint,
	path string, interval time.Duration, metrics *Metrics, queueLen func() int) *ScheduleLogger {
	return &ScheduleLogger{
		monitor:   monitor,
		endpoints: endpoints,
		path:      path,
		interval:  interval,
		metrics:   metrics,
		queueLen:  queueLen,
		now:       MonotonicNow,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run ticks until Stop is called. Call from its own goroutine.
func (l *ScheduleLogger) Run() {
	defer close(l.done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := l.Tick(); err != nil {
				logrus.Warnf("[schedule-log] tick failed: %v", err)
			}
		case <-l.stop:
			return
		}
	}
}

// Stop terminates Run and waits for the final tick to finish.
func (l *ScheduleLogger) Stop() {
	close(l.stop)
	<-l.done
}

// Tick writes one row per replica at the current time.
func (l *ScheduleLogger) Tick() error {
	currentTime := l.now()
	stats := l.monitor.GetStats(currentTime)
	profile := l.monitor.Profile()

	file, err := openScheduleLog(l.path)
	if err != nil {
		return err
	}
	defer file.Close() //nolint:errcheck // append-only log; close error is not actionable

	writer := csv.NewWriter(file)
	for _, ep := range l.endpoints() {
		pending := 0
		active := 0
		if s, ok := stats[ep.URL]; ok {
			pending = s.InPrefillRequests
			active = s.InDecodingRequests
		}
		allocated := l.monitor.EstimateAllocatedBlocks(ep.URL)
		usagePercent := 100 * float64(allocated) / float64(profile.TotalBlocks)

		record := []string{
			strconv.FormatFloat(currentTime, 'f', 6, 64),
			ep.URL,
			strconv.Itoa(pending),
			strconv.Itoa(active),
			strconv.Itoa(allocated),
			strconv.Itoa(profile.TotalBlocks),
			strconv.FormatFloat(usagePercent, 'f', 2, 64),
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("writing schedule log row: %w", err)
		}

		if l.metrics != nil {
			l.metrics.AllocatedBlocks.WithLabelValues(ep.URL).Set(float64(allocated))
			l.metrics.PendingReservedBlocks.WithLabelValues(ep.URL).Set(float64(l.monitor.EstimatePendingReservedBlocks(ep.URL)))
			l.metrics.MemoryUsagePercent.WithLabelValues(ep.URL).Set(usagePercent)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flushing schedule log: %w", err)
	}

	if l.metrics != nil && l.queueLen != nil {
		l.metrics.HRAQueueLength.Set(float64(l.queueLen()))
	}
	return nil
}

// openScheduleLog opens the log for appending, writing the header first when
// the file does not exist yet.
func openScheduleLog(path string) (*os.File, error) {
	_, statErr := os.Stat(path)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening schedule log: %w", err)
	}
	if os.IsNotExist(statErr) {
		if _, err := fmt.Fprintln(file, scheduleLogHeader); err != nil {
			file.Close() //nolint:errcheck // already failing
			return nil, fmt.Errorf("writing schedule log header: %w", err)
		}
	}
	return file, nil
}
