package metrics

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DeviceReader reads the current accelerator state.
type DeviceReader interface {
	ReadDevice(ctx context.Context) (DeviceMemory, error)
}

// NvidiaSMI reads the first GPU through the nvidia-smi tool.
type NvidiaSMI struct {
	// Path defaults to "nvidia-smi" resolved on PATH.
	Path    string
	Timeout time.Duration
}

// ReadDevice runs one nvidia-smi query.
func (n NvidiaSMI) ReadDevice(ctx context.Context) (DeviceMemory, error) {
	path := n.Path
	if path == "" {
		path = "nvidia-smi"
	}
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path,
		"--query-gpu=utilization.gpu,temperature.gpu,memory.used,memory.total",
		"--format=csv,noheader,nounits")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return DeviceMemory{}, fmt.Errorf("nvidia-smi failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return parseNvidiaSMIOutput(stdout.String())
}

// parseNvidiaSMIOutput parses the first CSV row: utilization %, temperature C,
// memory used MiB, memory total MiB.
func parseNvidiaSMIOutput(output string) (DeviceMemory, error) {
	output = strings.TrimSpace(output)
	if output == "" {
		return DeviceMemory{}, fmt.Errorf("empty nvidia-smi output")
	}
	record, err := csv.NewReader(strings.NewReader(output)).Read()
	if err != nil {
		return DeviceMemory{}, fmt.Errorf("failed to parse CSV: %w", err)
	}
	if len(record) < 4 {
		return DeviceMemory{}, fmt.Errorf("unexpected field count: got %d, expected 4", len(record))
	}

	var vals [4]float64
	names := [4]string{"utilization", "temperature", "memory used", "memory total"}
	for i := range vals {
		v, err := strconv.ParseFloat(strings.TrimSpace(record[i]), 64)
		if err != nil {
			return DeviceMemory{}, fmt.Errorf("failed to parse %s: %w", names[i], err)
		}
		vals[i] = v
	}

	const mib = 1 << 20
	return DeviceMemory{
		Utilization: vals[0],
		Temperature: vals[1],
		Used:        int64(vals[2] * mib),
		Total:       int64(vals[3] * mib),
	}, nil
}

// PeakSampler polls a DeviceReader while a generation runs and keeps the
// reading with the highest memory use.
type PeakSampler struct {
	mu      sync.Mutex
	peak    DeviceMemory
	samples int
	lastErr error

	cancel context.CancelFunc
	done   chan struct{}
}

// StartPeakSampler reads immediately and then every interval until Stop.
// onSample, if set, receives every successful reading.
func StartPeakSampler(ctx context.Context, reader DeviceReader, interval time.Duration, onSample func(DeviceMemory)) *PeakSampler {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &PeakSampler{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			p.sample(ctx, reader, onSample)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return p
}

func (p *PeakSampler) sample(ctx context.Context, reader DeviceReader, onSample func(DeviceMemory)) {
	d, err := reader.ReadDevice(ctx)
	p.mu.Lock()
	if err != nil {
		p.lastErr = err
		p.mu.Unlock()
		return
	}
	p.samples++
	if p.samples == 1 || d.Used > p.peak.Used {
		p.peak = d
	}
	p.mu.Unlock()
	if onSample != nil {
		onSample(d)
	}
}

// Stop ends sampling and returns the peak reading and the number of good
// samples. err is the last read error when no sample succeeded.
func (p *PeakSampler) Stop() (peak DeviceMemory, samples int, err error) {
	p.cancel()
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.samples == 0 {
		return DeviceMemory{}, 0, p.lastErr
	}
	return p.peak, p.samples, nil
}
