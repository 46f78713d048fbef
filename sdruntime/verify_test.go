package sdruntime

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}
	return path
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestCalculateChecksum(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
	}{
		{"text", []byte("Hello, World!")},
		{"empty", []byte{}},
		{"larger than one read", make([]byte, 100*1024)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "model.bin", tt.content)
			got, err := CalculateChecksum(path)
			if err != nil {
				t.Fatalf("CalculateChecksum returned error: %v", err)
			}
			if want := sha256Hex(tt.content); got != want {
				t.Errorf("CalculateChecksum() = %s, want %s", got, want)
			}
		})
	}
}

func TestCalculateChecksum_NonExistentFile(t *testing.T) {
	_, err := CalculateChecksum("/nonexistent/path/to/file.txt")
	if !errors.Is(err, ErrModelNotFound) {
		t.Errorf("Expected ErrModelNotFound, got: %v", err)
	}
}

func TestVerifyModelChecksum(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "verify-good.safetensors", []byte("test model content"))
	bad := writeFile(t, dir, "verify-bad.safetensors", []byte("actual content"))
	unregistered := writeFile(t, dir, "verify-unregistered.safetensors", []byte("some content"))

	RegisterModelChecksum("verify-good.safetensors", sha256Hex([]byte("test model content")))
	RegisterModelChecksum("verify-bad.safetensors", "0000000000000000000000000000000000000000000000000000000000000000")
	t.Cleanup(func() {
		UnregisterModelChecksum("verify-good.safetensors")
		UnregisterModelChecksum("verify-bad.safetensors")
	})

	tests := []struct {
		name    string
		path    string
		wantErr error
	}{
		{"matching checksum", good, nil},
		{"mismatch", bad, ErrModelCorrupted},
		{"unregistered passes", unregistered, nil},
		{"missing file", filepath.Join(dir, "missing.safetensors"), ErrModelNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyModelChecksum(tt.path)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("VerifyModelChecksum() unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("VerifyModelChecksum() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegisterModelChecksum(t *testing.T) {
	const name = "register-test.safetensors"
	UnregisterModelChecksum(name)
	if _, ok := GetExpectedChecksum(name); ok {
		t.Fatal("checksum should not exist before registration")
	}

	RegisterModelChecksum(name, "ABCDEF")
	t.Cleanup(func() { UnregisterModelChecksum(name) })

	got, ok := GetExpectedChecksum(name)
	if !ok || got != "abcdef" {
		t.Errorf("GetExpectedChecksum() = %q, %v; want lowercased %q, true", got, ok, "abcdef")
	}
}

func TestLoadChecksumFile(t *testing.T) {
	dir := t.TempDir()
	sumA := sha256Hex([]byte("a"))
	sumB := sha256Hex([]byte("b"))
	content := fmt.Sprintf("# models\n%s  sums-a.gguf\n\n%s *dir/sums-b.gguf\n", sumA, sumB)
	path := writeFile(t, dir, "SHA256SUMS", []byte(content))
	t.Cleanup(func() {
		UnregisterModelChecksum("sums-a.gguf")
		UnregisterModelChecksum("sums-b.gguf")
	})

	n, err := LoadChecksumFile(path)
	if err != nil {
		t.Fatalf("LoadChecksumFile() error: %v", err)
	}
	if n != 2 {
		t.Errorf("LoadChecksumFile() = %d entries, want 2", n)
	}
	if got, _ := GetExpectedChecksum("sums-b.gguf"); got != sumB {
		t.Errorf("sums-b.gguf checksum = %q, want %q", got, sumB)
	}

	malformed := writeFile(t, dir, "BAD", []byte("nothex  x.gguf\n"))
	if _, err := LoadChecksumFile(malformed); err == nil {
		t.Error("LoadChecksumFile() expected error for malformed line")
	}
}

func TestIsModelErrors(t *testing.T) {
	wrapped := fmt.Errorf("loading: %w", ErrModelCorrupted)
	if !IsModelCorrupted(wrapped) {
		t.Error("IsModelCorrupted() should match a wrapped ErrModelCorrupted")
	}
	if IsModelNotFound(wrapped) {
		t.Error("IsModelNotFound() should not match ErrModelCorrupted")
	}
	if !IsModelNotFound(&Error{Op: "createFull", Err: ErrModelNotFound}) {
		t.Error("IsModelNotFound() should match through *Error")
	}
}
