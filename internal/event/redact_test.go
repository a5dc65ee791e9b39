package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeRedactsSensitiveKeys(t *testing.T) {
	out, err := Sanitize(map[string]any{"apiKey": "sk-123", "note": "x"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"apiKey": RedactedValue, "note": "x"}, out)
}

func TestSanitizeRecursesIntoNestedValues(t *testing.T) {
	input := map[string]any{
		"wallet": map[string]any{
			"address":    "0xabc",
			"PrivateKey": "deadbeef",
		},
		"steps": []any{
			map[string]any{"name": "auth", "accessToken": "t-1"},
			"plain",
		},
		"DB_PASSWORD":  "hunter2",
		"clientSecret": 42,
	}
	out, err := Sanitize(input)
	require.NoError(t, err)

	expected := map[string]any{
		"wallet": map[string]any{
			"address":    "0xabc",
			"PrivateKey": RedactedValue,
		},
		"steps": []any{
			map[string]any{"name": "auth", "accessToken": RedactedValue},
			"plain",
		},
		"DB_PASSWORD":  RedactedValue,
		"clientSecret": RedactedValue,
	}
	assert.Equal(t, expected, out)
}

func TestSanitizeStructUsesJSONNames(t *testing.T) {
	type creds struct {
		User   string `json:"user"`
		Token  string `json:"token"`
		Amount int    `json:"amount"`
	}
	out, err := Sanitize(creds{User: "ops", Token: "abc", Amount: 3})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"user": "ops", "token": RedactedValue, "amount": float64(3)}, out)
}

func TestIsSensitiveKey(t *testing.T) {
	for _, key := range []string{"apiKey", "KEY", "secret_value", "Password", "refreshToken"} {
		assert.True(t, IsSensitiveKey(key), key)
	}
	for _, key := range []string{"taskId", "note", "amount", "deadline"} {
		assert.False(t, IsSensitiveKey(key), key)
	}
}
