package core

import (
	"os"
	"path/filepath"
	"runtime"
)

// AppName is the application name used in data directory paths.
const AppName = "sdstage"

// DataDirEnvVar overrides the data directory.
const DataDirEnvVar = "SDSTAGE_HOME"

// GetDataDirectory returns the directory holding the history database, the
// log file and default outputs. It does not create it.
//
//   - $SDSTAGE_HOME when set
//   - Windows: %APPDATA%\sdstage
//   - elsewhere: ~/.sdstage
func GetDataDirectory() string {
	if dir := GetEnvOrDefault(DataDirEnvVar, ""); dir != "" {
		return dir
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, AppName)
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "." + AppName
	}
	return filepath.Join(home, "."+AppName)
}

// GetDataFilePath returns the full path for a file within the data directory.
func GetDataFilePath(filename string) string {
	return filepath.Join(GetDataDirectory(), filename)
}

// EnsureDataDirectory creates the data directory if it doesn't exist.
func EnsureDataDirectory() (string, error) {
	dir := GetDataDirectory()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}
