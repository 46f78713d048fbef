package core

import (
	"testing"
	"time"
)

func TestGetEnvOrDefault(t *testing.T) {
	const key = "SDSTAGE_TEST_GET_ENV"

	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"set", "custom", "custom"},
		{"trimmed", "  custom  ", "custom"},
		{"empty", "", "default"},
		{"blank", "   ", "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(key, tt.value)
			if got := GetEnvOrDefault(key, "default"); got != tt.want {
				t.Errorf("GetEnvOrDefault() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseIntEnv(t *testing.T) {
	const key = "SDSTAGE_TEST_INT"

	tests := []struct {
		name  string
		value string
		want  int
	}{
		{"valid", "42", 42},
		{"negative", "-10", -10},
		{"whitespace", " 7 ", 7},
		{"invalid", "abc", 5},
		{"float", "3.5", 5},
		{"empty", "", 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(key, tt.value)
			if got := ParseIntEnv(key, 5); got != tt.want {
				t.Errorf("ParseIntEnv() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParseBoolEnv(t *testing.T) {
	const key = "SDSTAGE_TEST_BOOL"

	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"true", false, true},
		{"1", false, true},
		{"YES", false, true},
		{"on", false, true},
		{"false", true, false},
		{"0", true, false},
		{"No", true, false},
		{"off", true, false},
		{"maybe", true, true},
		{"", true, true},
		{"", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv(key, tt.value)
			if got := ParseBoolEnv(key, tt.def); got != tt.want {
				t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
			}
		})
	}
}

func TestParseDurationEnv(t *testing.T) {
	const key = "SDSTAGE_TEST_DURATION"
	def := 30 * time.Second

	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"bare seconds", "90", 90 * time.Second},
		{"go duration", "2m", 2 * time.Minute},
		{"millis", "1500ms", 1500 * time.Millisecond},
		{"zero", "0", 0},
		{"negative seconds", "-5", def},
		{"negative duration", "-5s", def},
		{"invalid", "soon", def},
		{"empty", "", def},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(key, tt.value)
			if got := ParseDurationEnv(key, def); got != tt.want {
				t.Errorf("ParseDurationEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}
