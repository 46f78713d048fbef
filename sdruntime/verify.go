package sdruntime

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// checksums maps model file names to their expected SHA256 checksums.
var checksums = struct {
	sync.RWMutex
	m map[string]string
}{m: map[string]string{}}

// VerifyModelChecksum validates a model file's SHA256 checksum against the
// registered value for its file name. Unregistered files pass.
//
// Returns:
//   - nil if checksum matches or none is registered
//   - ErrModelNotFound if file doesn't exist
//   - ErrModelCorrupted if checksum mismatch
//   - wrapped error for other I/O failures
func VerifyModelChecksum(modelPath string) error {
	if _, err := os.Stat(modelPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrModelNotFound, modelPath)
		}
		return fmt.Errorf("failed to access model file: %w", err)
	}

	expected, ok := GetExpectedChecksum(filepath.Base(modelPath))
	if !ok {
		return nil
	}

	actual, err := CalculateChecksum(modelPath)
	if err != nil {
		return fmt.Errorf("failed to calculate checksum: %w", err)
	}
	if actual != expected {
		return fmt.Errorf("%w: %s: expected %s, got %s", ErrModelCorrupted, filepath.Base(modelPath), expected, actual)
	}
	return nil
}

// CalculateChecksum streams a file through SHA256 and returns the lowercase
// hex digest. Multi-gigabyte model files are never held in memory.
func CalculateChecksum(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrModelNotFound, filePath)
		}
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// GetExpectedChecksum returns the registered checksum for a file name.
func GetExpectedChecksum(modelName string) (string, bool) {
	checksums.RLock()
	defer checksums.RUnlock()
	sum, ok := checksums.m[modelName]
	return sum, ok
}

// RegisterModelChecksum adds or updates a registered checksum.
func RegisterModelChecksum(modelName, checksum string) {
	checksums.Lock()
	checksums.m[modelName] = strings.ToLower(checksum)
	checksums.Unlock()
}

// UnregisterModelChecksum removes a registered checksum.
func UnregisterModelChecksum(modelName string) {
	checksums.Lock()
	delete(checksums.m, modelName)
	checksums.Unlock()
}

// LoadChecksumFile registers every entry of a sha256sum-style file
// ("<hex>  <name>" per line; blank lines and # comments skipped) and returns
// the number of entries registered.
func LoadChecksumFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open checksum file: %w", err)
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 || len(fields[0]) != sha256.Size*2 {
			return n, fmt.Errorf("%s:%d: malformed checksum line", path, line)
		}
		if _, err := hex.DecodeString(fields[0]); err != nil {
			return n, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		RegisterModelChecksum(filepath.Base(strings.TrimPrefix(fields[1], "*")), fields[0])
		n++
	}
	return n, sc.Err()
}

// IsModelCorrupted checks if an error indicates model corruption.
func IsModelCorrupted(err error) bool {
	return errors.Is(err, ErrModelCorrupted)
}

// IsModelNotFound checks if an error indicates a missing model file.
func IsModelNotFound(err error) bool {
	return errors.Is(err, ErrModelNotFound)
}
