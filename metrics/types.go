// Package metrics keeps in-memory statistics of generation calls and of
// device memory while they run.
package metrics

import (
	"time"

	"sdstage/sdruntime"
)

// Status values for Sample.
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Sample is one finished call.
type Sample struct {
	Session  string             `json:"session"`
	Kind     sdruntime.CallKind `json:"kind"`
	Status   string             `json:"status"`
	Width    int                `json:"width"`
	Height   int                `json:"height"`
	Frames   int                `json:"frames"`
	Steps    int                `json:"steps"`
	Duration time.Duration      `json:"duration"`
	ErrorMsg string             `json:"error_msg,omitempty"`
	At       time.Time          `json:"at"`
}

// StepTime is the mean wall time per denoising step, zero when unknown.
func (s Sample) StepTime() time.Duration {
	n := s.Steps * max(s.Frames, 1)
	if n <= 0 {
		return 0
	}
	return s.Duration / time.Duration(n)
}

// KindMetrics aggregates samples of one kind.
type KindMetrics struct {
	Count       int64         `json:"count"`
	Errors      int64         `json:"errors"`
	Cancelled   int64         `json:"cancelled"`
	SuccessRate float64       `json:"success_rate"` // 0-100
	AvgDuration time.Duration `json:"avg_duration"`
	AvgStepTime time.Duration `json:"avg_step_time"`
	Frames      int64         `json:"frames"`
}

// DeviceMemory is one reading of accelerator state. Memory is in bytes.
type DeviceMemory struct {
	Utilization float64 `json:"utilization"` // 0-100
	Temperature float64 `json:"temperature"` // Celsius
	Total       int64   `json:"memory_total"`
	Used        int64   `json:"memory_used"`
}

// Free returns Total - Used.
func (d DeviceMemory) Free() int64 {
	return d.Total - d.Used
}

// Snapshot is a point-in-time copy of the store.
type Snapshot struct {
	Version    string                              `json:"version"`
	Uptime     time.Duration                       `json:"uptime"`
	Total      int64                               `json:"total"`
	Success    int64                               `json:"success"`
	Errors     int64                               `json:"errors"`
	Cancelled  int64                               `json:"cancelled"`
	ByKind     map[sdruntime.CallKind]*KindMetrics `json:"by_kind"`
	Device     DeviceMemory                        `json:"device"`
	PeakMemory int64                               `json:"peak_memory"`
}
