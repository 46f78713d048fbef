package sdruntime

import (
	"fmt"
	"strings"
)

// Sampler selects the sampling method. The zero value asks for the
// engine's built-in default for the loaded model.
type Sampler int

const (
	SamplerDefault Sampler = iota
	SamplerEulerA
	SamplerEuler
	SamplerHeun
	SamplerDPM2
	SamplerDPMPP2SA
	SamplerDPMPP2M
	SamplerDPMPP2Mv2
	SamplerIPNDM
	SamplerIPNDMV
	SamplerLCM
	SamplerDDIMTrailing
	SamplerTCD
)

var samplerNames = []string{
	"default",
	"euler_a",
	"euler",
	"heun",
	"dpm2",
	"dpm++2s_a",
	"dpm++2m",
	"dpm++2mv2",
	"ipndm",
	"ipndm_v",
	"lcm",
	"ddim_trailing",
	"tcd",
}

// String returns the human-readable name of the sampler.
func (s Sampler) String() string {
	if int(s) < 0 || int(s) >= len(samplerNames) {
		return "unknown"
	}
	return samplerNames[s]
}

// ParseSampler converts a name to a Sampler. An empty name is the default.
func ParseSampler(name string) (Sampler, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return SamplerDefault, nil
	}
	for i, n := range samplerNames {
		if n == name {
			return Sampler(i), nil
		}
	}
	return SamplerDefault, fmt.Errorf("%w: unknown sampler %q", ErrInvalidArgument, name)
}

// Scheduler selects the noise schedule. The zero value asks for the
// engine's built-in default for the loaded model.
type Scheduler int

const (
	SchedulerDefault Scheduler = iota
	SchedulerDiscrete
	SchedulerKarras
	SchedulerExponential
	SchedulerAYS
	SchedulerGITS
	SchedulerSGMUniform
	SchedulerSimple
	SchedulerSmoothstep
)

var schedulerNames = []string{
	"default",
	"discrete",
	"karras",
	"exponential",
	"ays",
	"gits",
	"sgm_uniform",
	"simple",
	"smoothstep",
}

// String returns the human-readable name of the scheduler.
func (s Scheduler) String() string {
	if int(s) < 0 || int(s) >= len(schedulerNames) {
		return "unknown"
	}
	return schedulerNames[s]
}

// ParseScheduler converts a name to a Scheduler. An empty name is the default.
func ParseScheduler(name string) (Scheduler, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return SchedulerDefault, nil
	}
	for i, n := range schedulerNames {
		if n == name {
			return Scheduler(i), nil
		}
	}
	return SchedulerDefault, fmt.Errorf("%w: unknown scheduler %q", ErrInvalidArgument, name)
}

// NativeSampleMethod mirrors the engine's sample_method_t. It has no default
// member; NativeSampleMethodCount tells the engine to pick the model default.
type NativeSampleMethod int

const (
	NativeEulerA NativeSampleMethod = iota
	NativeEuler
	NativeHeun
	NativeDPM2
	NativeDPMPP2SA
	NativeDPMPP2M
	NativeDPMPP2Mv2
	NativeIPNDM
	NativeIPNDMV
	NativeLCM
	NativeDDIMTrailing
	NativeTCD
	NativeSampleMethodCount
)

// NativeScheduler mirrors the engine's scheduler_t. NativeSchedulerCount
// tells the engine to pick the model default.
type NativeScheduler int

const (
	NativeDiscrete NativeScheduler = iota
	NativeKarras
	NativeExponential
	NativeAYS
	NativeGITS
	NativeSGMUniform
	NativeSimple
	NativeSmoothstep
	NativeSchedulerCount
)

// MapSampler shifts an abstract sampler ordinal onto the native enumeration.
// Zero and anything outside the known range map to the count sentinel so that
// newer callers never hand the engine an out-of-range value.
func MapSampler(s Sampler) NativeSampleMethod {
	if s <= SamplerDefault || int(s) > int(NativeSampleMethodCount) {
		return NativeSampleMethodCount
	}
	return NativeSampleMethod(s - 1)
}

// MapScheduler is the scheduler counterpart of MapSampler.
func MapScheduler(s Scheduler) NativeScheduler {
	if s <= SchedulerDefault || int(s) > int(NativeSchedulerCount) {
		return NativeSchedulerCount
	}
	return NativeScheduler(s - 1)
}
