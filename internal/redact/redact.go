// Package redact transforms arbitrary JSON-like argument payloads into an
// audit-safe representation before they are written to the task ledger.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
)

// sensitiveKeys is the closed set of key names whose values are redacted.
var sensitiveKeys = map[string]bool{
	"api_key":       true,
	"apikey":        true,
	"api_keys":      true,
	"token":         true,
	"access_token":  true,
	"secret":        true,
	"secret_key":    true,
	"password":      true,
	"authorization": true,
	"credentials":   true,
}

// credentialAllowList is the subset of fields a nested credential blob may
// keep in the redacted output. Identifiers only, never key material.
var credentialAllowList = map[string]bool{
	"id":       true,
	"name":     true,
	"provider": true,
	"model":    true,
	"user":     true,
	"base_url": true,
}

// Fingerprint returns a short, stable, non-reversible identifier for a secret.
// The same secret always fingerprints identically, so redacted records stay
// correlatable without exposing the value.
func Fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:12]
}

// Value returns a structurally equivalent copy of v with sensitive entries
// replaced by redaction markers. Non-container values pass through unchanged;
// malformed or unrecognized input degrades to passthrough, never to a panic.
func Value(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if sensitiveKeys[k] {
				out[k] = redactSensitive(inner)
			} else {
				out[k] = Value(inner)
			}
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = Value(inner)
		}
		return out
	default:
		return v
	}
}

// Args redacts a keyword-argument map. Nil maps pass through.
func Args(kwargs map[string]any) map[string]any {
	if kwargs == nil {
		return nil
	}
	out, _ := Value(kwargs).(map[string]any)
	return out
}

// redactSensitive collapses a value found under a sensitive key into one of
// the closed output shapes: fingerprinted string, list of fingerprinted
// strings, allow-listed credential blob, or a bare marker.
func redactSensitive(v any) any {
	switch val := v.(type) {
	case string:
		return marker(val)
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				out = append(out, map[string]any{"redacted": true})
				continue
			}
			out = append(out, marker(s))
		}
		return out
	case []string:
		out := make([]any, 0, len(val))
		for _, s := range val {
			out = append(out, marker(s))
		}
		return out
	case map[string]any:
		out := map[string]any{"redacted": true}
		for k, inner := range val {
			if credentialAllowList[k] {
				out[k] = inner
			}
		}
		return out
	default:
		return map[string]any{"redacted": true}
	}
}

func marker(secret string) map[string]any {
	return map[string]any{
		"redacted":    true,
		"fingerprint": Fingerprint(secret),
	}
}
