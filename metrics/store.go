package metrics

import (
	"sync"
	"time"

	"sdstage/sdruntime"
)

// DefaultHistoryCapacity is the number of samples a Store keeps.
const DefaultHistoryCapacity = 100

type kindStats struct {
	count, errors, cancelled int64
	frames                   int64
	totalDuration            time.Duration
	totalStepTime            time.Duration
	stepSamples              int64
}

// Store aggregates finished calls and device readings. It is safe for
// concurrent use.
//
//	store := metrics.NewStore(metrics.StoreConfig{Version: core.Version}, time.Now())
//	rt := sdruntime.NewRuntime(loader, sdruntime.WithObserver(store.Observe))
type Store struct {
	mu sync.RWMutex

	history []Sample
	cap     int
	head    int
	size    int

	total, success, errors, cancelled int64
	byKind                            map[sdruntime.CallKind]*kindStats

	device     DeviceMemory
	peakMemory int64

	startTime time.Time
	version   string
	now       func() time.Time
}

// StoreConfig configures a Store.
type StoreConfig struct {
	HistoryCapacity int
	Version         string
}

// NewStore returns an empty Store. startTime anchors Uptime.
func NewStore(config StoreConfig, startTime time.Time) *Store {
	c := config.HistoryCapacity
	if c < 1 {
		c = DefaultHistoryCapacity
	}
	return &Store{
		history:   make([]Sample, c),
		cap:       c,
		byKind:    make(map[sdruntime.CallKind]*kindStats),
		startTime: startTime,
		version:   config.Version,
		now:       time.Now,
	}
}

// SampleFromCall converts a runtime call record.
func SampleFromCall(rec sdruntime.CallRecord, at time.Time) Sample {
	s := Sample{
		Session:  rec.Session,
		Kind:     rec.Kind,
		Status:   StatusSuccess,
		Width:    rec.Width,
		Height:   rec.Height,
		Frames:   rec.Frames,
		Steps:    rec.Steps,
		Duration: rec.Duration,
		At:       at,
	}
	switch {
	case rec.Err == nil:
	case sdruntime.IsCancelled(rec.Err):
		s.Status = StatusCancelled
		s.ErrorMsg = rec.Err.Error()
	default:
		s.Status = StatusError
		s.ErrorMsg = rec.Err.Error()
	}
	return s
}

// Observe records a runtime call. Its signature matches sdruntime.CallObserver.
func (s *Store) Observe(rec sdruntime.CallRecord) {
	s.Record(SampleFromCall(rec, s.now()))
}

// Record adds a sample.
func (s *Store) Record(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history[s.head] = sample
	s.head = (s.head + 1) % s.cap
	if s.size < s.cap {
		s.size++
	}

	s.total++
	st, ok := s.byKind[sample.Kind]
	if !ok {
		st = &kindStats{}
		s.byKind[sample.Kind] = st
	}
	st.count++
	st.totalDuration += sample.Duration
	switch sample.Status {
	case StatusSuccess:
		s.success++
		st.frames += int64(max(sample.Frames, 1))
		if step := sample.StepTime(); step > 0 {
			st.totalStepTime += step
			st.stepSamples++
		}
	case StatusCancelled:
		s.cancelled++
		st.cancelled++
	default:
		s.errors++
		st.errors++
	}
}

// ObserveDevice stores the latest device reading and tracks peak usage.
func (s *Store) ObserveDevice(d DeviceMemory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.device = d
	if d.Used > s.peakMemory {
		s.peakMemory = d.Used
	}
}

// Snapshot returns aggregated statistics.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Version:    s.version,
		Uptime:     s.now().Sub(s.startTime),
		Total:      s.total,
		Success:    s.success,
		Errors:     s.errors,
		Cancelled:  s.cancelled,
		ByKind:     make(map[sdruntime.CallKind]*KindMetrics, len(s.byKind)),
		Device:     s.device,
		PeakMemory: s.peakMemory,
	}
	for kind, st := range s.byKind {
		km := &KindMetrics{
			Count:       st.count,
			Errors:      st.errors,
			Cancelled:   st.cancelled,
			Frames:      st.frames,
			AvgDuration: st.totalDuration / time.Duration(st.count),
		}
		km.SuccessRate = float64(st.count-st.errors-st.cancelled) / float64(st.count) * 100
		if st.stepSamples > 0 {
			km.AvgStepTime = st.totalStepTime / time.Duration(st.stepSamples)
		}
		snap.ByKind[kind] = km
	}
	return snap
}

// Recent returns up to limit samples, oldest first.
func (s *Store) Recent(limit int) []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || s.size == 0 {
		return []Sample{}
	}
	limit = min(limit, s.size)
	out := make([]Sample, limit)
	for i := range out {
		out[i] = s.history[(s.head-limit+i+s.cap)%s.cap]
	}
	return out
}

var _ Collector = (*Store)(nil)
