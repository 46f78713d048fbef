package core

import "github.com/dustin/go-humanize"

// FormatBytes renders a byte count for model files, payloads and frame
// buffers in binary units: "512 B", "1.5 KiB", "3.9 GiB". Negative counts
// render as 0.
func FormatBytes(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}
	return humanize.IBytes(uint64(bytes))
}
