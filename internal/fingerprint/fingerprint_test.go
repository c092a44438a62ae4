package fingerprint

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintDeterministic(t *testing.T) {
	data := map[string]any{
		"issue": "open-port",
		"host":  "db-01",
		"port":  5432,
	}

	first := Fingerprint(data, nil, "scanner_")
	second := Fingerprint(data, nil, "scanner_")

	assert.Equal(t, first, second)
	assert.True(t, strings.HasPrefix(first, "scanner_"))
	assert.Len(t, strings.TrimPrefix(first, "scanner_"), 32)
}

func TestFingerprintIgnoresKeyOrder(t *testing.T) {
	a := map[string]any{"a": 1, "b": map[string]any{"x": "y", "z": "w"}}
	b := map[string]any{"b": map[string]any{"z": "w", "x": "y"}, "a": 1}

	assert.Equal(t, Fingerprint(a, nil, ""), Fingerprint(b, nil, ""))
}

func TestFingerprintChangesWithContent(t *testing.T) {
	a := map[string]any{"issue": "open-port", "host": "db-01"}
	b := map[string]any{"issue": "open-port", "host": "db-02"}

	assert.NotEqual(t, Fingerprint(a, nil, ""), Fingerprint(b, nil, ""))
}

func TestFingerprintExclusions(t *testing.T) {
	a := map[string]any{
		"issue":     "weak-cipher",
		"timestamp": "2024-01-01T00:00:00Z",
		"details":   map[string]any{"scan_id": "abc", "cipher": "RC4"},
	}
	b := map[string]any{
		"issue":     "weak-cipher",
		"timestamp": "2024-06-01T12:34:56Z",
		"details":   map[string]any{"scan_id": "xyz", "cipher": "RC4"},
	}
	exclude := []Exclusion{{"timestamp"}, {"details", "scan_id"}}

	assert.Equal(t, Fingerprint(a, exclude, ""), Fingerprint(b, exclude, ""))
	// Without exclusions the volatile fields must matter.
	assert.NotEqual(t, Fingerprint(a, nil, ""), Fingerprint(b, nil, ""))
}

func TestFingerprintMissingExclusionPath(t *testing.T) {
	data := map[string]any{"issue": "x"}

	require.NotPanics(t, func() {
		Fingerprint(data, []Exclusion{{"missing"}, {"nested", "also", "missing"}}, "")
	})
	assert.Equal(t, Fingerprint(data, nil, ""),
		Fingerprint(data, []Exclusion{{"missing"}}, ""))
}

func TestFingerprintDoesNotMutateInput(t *testing.T) {
	data := map[string]any{
		"keep":    "me",
		"nested":  map[string]any{"drop": "me", "keep": "me"},
		"dropped": true,
	}

	Fingerprint(data, []Exclusion{{"dropped"}, {"nested", "drop"}}, "")

	assert.Contains(t, data, "dropped")
	assert.Contains(t, data["nested"].(map[string]any), "drop")
}

func TestFingerprintNumericNormalization(t *testing.T) {
	// A payload decoded from JSON carries float64, a native producer may
	// use int. Integral values must hash identically.
	a := map[string]any{"port": float64(443)}
	b := map[string]any{"port": 443}

	assert.Equal(t, Fingerprint(a, nil, ""), Fingerprint(b, nil, ""))
}

func TestToken(t *testing.T) {
	token := Token("scanner_abc123def456", "secret")

	assert.Len(t, token, 64)
	assert.True(t, ValidToken("scanner_abc123def456", token, "secret"))
	assert.False(t, ValidToken("scanner_abc123def456", token, "other-secret"))
	assert.False(t, ValidToken("scanner_other", token, "secret"))
	assert.False(t, ValidToken("scanner_abc123def456", "", "secret"))
}
