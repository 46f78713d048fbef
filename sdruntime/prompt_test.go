package sdruntime

import (
	"errors"
	"strings"
	"testing"
)

func TestValidatePrompt_Valid(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
	}{
		{"simple prompt", "a cat sitting on a chair"},
		{"prompt with punctuation", "beautiful sunset, orange sky, peaceful scene"},
		{"empty prompt", ""},
		{"max length", strings.Repeat("a", MaxPromptLength)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidatePrompt(tt.prompt); err != nil {
				t.Errorf("ValidatePrompt() unexpected error: %v", err)
			}
		})
	}
}

func TestValidatePrompt_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
	}{
		{"null byte", "hello\x00world"},
		{"too long", strings.Repeat("a", MaxPromptLength+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePrompt(tt.prompt)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("ValidatePrompt() = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestSanitizePrompt(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"no change needed", "hello world", "hello world"},
		{"both ends", "  hello world  ", "hello world"},
		{"tabs and newlines", "\t\nhello\t\n", "hello"},
		{"null bytes dropped", "a red\x00 cube", "a red cube"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizePrompt(tt.input); got != tt.expected {
				t.Errorf("SanitizePrompt() = %q, want %q", got, tt.expected)
			}
		})
	}
}
