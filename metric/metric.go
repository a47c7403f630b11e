// Package metric provides counters of pipeline components.
package metric

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metric contains component's Meters.
type Metric struct {
	m      sync.Mutex
	meters map[string]map[string]*atomic.Value
}

// Measure is a snapshot of full metric with all counters.
type Measure map[string]map[string]interface{}

// addCounters to the metric. Metric used to generate measures for all counters.
//
// If id matches with existing counters, those will be replaced with the new one.
// If no match found, new counters is added and returned.
func (m *Metric) addCounters(id string, counters ...string) map[string]*atomic.Value {
	m.m.Lock()
	defer m.m.Unlock()

	if m.meters == nil {
		m.meters = make(map[string]map[string]*atomic.Value)
	} else {
		delete(m.meters, id)
	}

	meter := make(map[string]*atomic.Value)
	for _, counter := range counters {
		meter[counter] = &atomic.Value{}
	}

	m.meters[id] = meter
	return meter
}

// Measure returns Metric's measures.
func (m *Metric) Measure() Measure {
	if m == nil {
		return nil
	}
	r := make(map[string]map[string]interface{})
	m.m.Lock()
	defer m.m.Unlock()

	for meterName, meter := range m.meters {
		meterValues := make(map[string]interface{})
		for counterName, counter := range meter {
			meterValues[counterName] = counter.Load()
		}
		r[meterName] = meterValues
	}

	return r
}

// Meter creates new meter with component counters. Meter of nil Metric
// is nil and all its calls are no-op.
func (m *Metric) Meter(componentID string) *Meter {
	if m == nil {
		return nil
	}
	meter := Meter{
		startedAt:   time.Now(),
		processedAt: time.Now(),
	}

	meter.counters = m.addCounters(componentID, componentCounters...)
	store(meter.counters, StartCounter, meter.startedAt)
	store(meter.counters, MessageCounter, int64(0))
	store(meter.counters, SampleCounter, int64(0))

	return &meter
}

// Meter contains all component's counters. Meter is not safe for
// concurrent use, every goroutine should use its own meter.
type Meter struct {
	counters    map[string]*atomic.Value
	startedAt   time.Time     // StartCounter
	messages    int64         // MessageCounter
	samples     int64         // SampleCounter
	latency     time.Duration // LatencyCounter
	processedAt time.Time
	elapsed     time.Duration // ElapsedCounter
}

// Message captures metrics after a unit of work is processed. For the
// reader it's a record, for workers a baseline and for writers a row.
func (m *Meter) Message() *Meter {
	if m == nil {
		return nil
	}
	m.messages++
	m.latency = time.Since(m.processedAt)
	m.processedAt = time.Now()
	m.elapsed = time.Since(m.startedAt)

	store(m.counters, MessageCounter, m.messages)
	store(m.counters, LatencyCounter, m.latency)
	store(m.counters, ElapsedCounter, m.elapsed)

	return m
}

// Sample captures metrics after samples are processed.
func (m *Meter) Sample(s int64) *Meter {
	if m == nil {
		return nil
	}
	m.samples = m.samples + s
	store(m.counters, SampleCounter, m.samples)
	return m
}

const (
	// MessageCounter measures number of processed units.
	MessageCounter = "Messages"
	// SampleCounter measures number of samples.
	SampleCounter = "Samples"
	// StartCounter fixes when component started.
	StartCounter = "Start"
	// LatencyCounter measures latency between processing calls.
	LatencyCounter = "Latency"
	// ElapsedCounter fixes time since component started.
	ElapsedCounter = "Elapsed"
)

// counters is a structure for metrics initialization.
var componentCounters = []string{MessageCounter, SampleCounter, StartCounter, LatencyCounter, ElapsedCounter}

// Store new counter value.
func store(m map[string]*atomic.Value, c string, v interface{}) {
	if counter, ok := m[c]; ok {
		counter.Store(v)
	}
}
