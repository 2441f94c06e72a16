package lim

import (
	"codeshare/metrics"
	"codeshare/svc/util"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

const (
	windowBuckets    = 5
	minSampleSize    = 10
	errorRatePercent = 5.0
)

// AnomalyDetector counts requests and 5xx responses in per-minute buckets and
// calls onAnomaly when the error rate over the last five minutes spikes.
type AnomalyDetector struct {
	mu        sync.Mutex
	buckets   [windowBuckets]bucket
	cur       int
	onAnomaly func()
	lastRate  atomic.Uint64
	done      chan struct{}
	stopOnce  sync.Once
}
type bucket struct {
	requests int64
	errors   int64
}

func NewAnomalyDetector(onAnomaly func()) *AnomalyDetector {
	return &AnomalyDetector{
		onAnomaly: onAnomaly,
		done:      make(chan struct{}),
	}
}
func (d *AnomalyDetector) Start() {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.AdvanceWindow()
			case <-d.done:
				return
			}
		}
	}()
}
func (d *AnomalyDetector) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
}
func (d *AnomalyDetector) RecordRequest() {
	d.mu.Lock()
	d.buckets[d.cur].requests++
	d.mu.Unlock()
}
func (d *AnomalyDetector) RecordError() {
	d.mu.Lock()
	d.buckets[d.cur].errors++
	d.mu.Unlock()
}

// ErrorRate is the percentage computed at the last window advance.
func (d *AnomalyDetector) ErrorRate() float64 {
	return math.Float64frombits(d.lastRate.Load())
}
func (d *AnomalyDetector) AdvanceWindow() {
	d.mu.Lock()
	var reqs, errs int64
	for _, b := range d.buckets {
		reqs += b.requests
		errs += b.errors
	}
	d.cur = (d.cur + 1) % windowBuckets
	d.buckets[d.cur] = bucket{}
	d.mu.Unlock()

	var rate float64
	if reqs > 0 {
		rate = float64(errs) / float64(reqs) * 100
	}
	d.lastRate.Store(math.Float64bits(rate))
	metrics.RecentErrorRatePercent.Set(rate)
	if reqs <= minSampleSize || rate <= errorRatePercent {
		return
	}
	util.Warn().
		Float64("error_rate", rate).
		Int64("total_reqs", reqs).
		Int64("total_errs", errs).
		Msg("high error rate, halving rate limits")
	if d.onAnomaly != nil {
		d.onAnomaly()
	}
}
