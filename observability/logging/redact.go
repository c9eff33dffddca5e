package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// Key fragments that mark an attribute as sensitive. Matching is
// case-insensitive and substring-based so "processorSecretKey" and
// "webhook_signature" are both caught.
var sensitiveKeyFragments = []string{
	"secret",
	"token",
	"password",
	"api_key",
	"apikey",
	"authorization",
	"signature",
	"private_key",
	"privatekey",
}

// IsSensitiveKey reports whether a log attribute key must be masked.
func IsSensitiveKey(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(normalized, fragment) {
			return true
		}
	}
	return false
}

// MaskValue returns the redacted placeholder for non-empty values. Empty
// values pass through unchanged so absent fields stay visibly absent.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskAttr redacts the attribute value when its key is sensitive.
func MaskAttr(attr slog.Attr) slog.Attr {
	if !IsSensitiveKey(attr.Key) {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}
