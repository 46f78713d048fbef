package sdruntime

import (
	"strings"
)

// MaxPromptLength bounds prompt text handed to the engine's tokenizer.
const MaxPromptLength = 8192

// ValidatePrompt rejects prompts the engine boundary cannot carry.
// An empty prompt is valid: generation from precomputed conditioning ignores it.
// This is a pure function with no side effects.
func ValidatePrompt(prompt string) error {
	// C strings end at the first NUL
	if strings.ContainsRune(prompt, '\x00') {
		return opError("validatePrompt", ErrInvalidArgument, "prompt contains null bytes")
	}
	if len(prompt) > MaxPromptLength {
		return opError("validatePrompt", ErrInvalidArgument, "prompt length %d exceeds maximum %d", len(prompt), MaxPromptLength)
	}
	return nil
}

// SanitizePrompt trims whitespace and drops NUL bytes.
// This is a pure function that transforms input to output.
func SanitizePrompt(prompt string) string {
	return strings.TrimSpace(strings.ReplaceAll(prompt, "\x00", ""))
}
