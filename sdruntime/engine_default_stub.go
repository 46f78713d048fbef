//go:build !sd || !cgo || stub

// Default engine when stable-diffusion.cpp is not linked.
// Build with: go build (or -tags stub)

package sdruntime

// EngineName identifies the engine linked into this build.
const EngineName = "stub"

// defaultEngine returns the pure Go stub engine.
func defaultEngine() Engine {
	return NewStubEngine()
}
