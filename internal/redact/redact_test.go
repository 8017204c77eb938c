package redact_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookpipe/bookpipe/internal/redact"
)

func TestFingerprint_StableAndShort(t *testing.T) {
	a := redact.Fingerprint("sk-ABC123")
	b := redact.Fingerprint("sk-ABC123")
	c := redact.Fingerprint("sk-other")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 12)
}

func TestArgs_RedactsSensitiveString(t *testing.T) {
	out := redact.Args(map[string]any{
		"job_id":  "0b6e2f",
		"api_key": "sk-ABC123",
	})

	assert.Equal(t, "0b6e2f", out["job_id"])

	marker, ok := out["api_key"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, marker["redacted"])
	assert.Equal(t, redact.Fingerprint("sk-ABC123"), marker["fingerprint"])
}

func TestArgs_RawSecretNeverInSerializedOutput(t *testing.T) {
	out := redact.Args(map[string]any{
		"token": "sk-ABC123",
		"nested": map[string]any{
			"password": "hunter2",
			"keep":     "visible",
		},
		"api_keys": []any{"sk-one", "sk-two"},
	})

	data, err := json.Marshal(out)
	require.NoError(t, err)

	for _, secret := range []string{"sk-ABC123", "hunter2", "sk-one", "sk-two"} {
		assert.False(t, strings.Contains(string(data), secret), "secret %q leaked", secret)
	}
	assert.Contains(t, string(data), "visible")
}

func TestArgs_CredentialBlobKeepsAllowListedFields(t *testing.T) {
	out := redact.Args(map[string]any{
		"credentials": map[string]any{
			"provider": "openai",
			"model":    "gpt-4o-mini",
			"api_key":  "sk-ABC123",
		},
	})

	blob, ok := out["credentials"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, blob["redacted"])
	assert.Equal(t, "openai", blob["provider"])
	assert.Equal(t, "gpt-4o-mini", blob["model"])
	assert.NotContains(t, blob, "api_key")
}

func TestArgs_SensitiveListOfStrings(t *testing.T) {
	out := redact.Args(map[string]any{
		"api_keys": []string{"sk-one", "sk-two"},
	})

	list, ok := out["api_keys"].([]any)
	require.True(t, ok)
	require.Len(t, list, 2)
	first := list[0].(map[string]any)
	assert.Equal(t, redact.Fingerprint("sk-one"), first["fingerprint"])
}

func TestArgs_UnexpectedShapeDegradesToBareMarker(t *testing.T) {
	out := redact.Args(map[string]any{
		"secret": 42,
	})

	marker, ok := out["secret"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"redacted": true}, marker)
}

func TestArgs_NilPassesThrough(t *testing.T) {
	assert.Nil(t, redact.Args(nil))
}

func TestValue_NonContainerPassesThrough(t *testing.T) {
	assert.Equal(t, "plain", redact.Value("plain"))
	assert.Equal(t, 7, redact.Value(7))
}
