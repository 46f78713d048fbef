package metrics

import "sdstage/sdruntime"

// Collector receives finished calls and device readings.
type Collector interface {
	Observe(rec sdruntime.CallRecord)
	ObserveDevice(d DeviceMemory)
	Snapshot() Snapshot
	Recent(limit int) []Sample
}

// Chain returns an observer that calls each non-nil observer in order.
func Chain(observers ...sdruntime.CallObserver) sdruntime.CallObserver {
	var live []sdruntime.CallObserver
	for _, o := range observers {
		if o != nil {
			live = append(live, o)
		}
	}
	return func(rec sdruntime.CallRecord) {
		for _, o := range live {
			o(rec)
		}
	}
}
