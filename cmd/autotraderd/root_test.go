package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigCommandPrintsRedactedConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "autotrader.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"llm": {"openai": {"api_key": "sk-secret"}},
		"autonomous": {"risk_level": "aggressive"}
	}`), 0o600))
	t.Setenv("AUTOTRADER_INTERVENTION_TIMEOUT_MS", "45000")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "--config", path})
	require.NoError(t, cmd.Execute())

	var printed map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &printed))
	llm := printed["llm"].(map[string]any)["openai"].(map[string]any)
	assert.Equal(t, "***", llm["api_key"])
	assert.Equal(t, "aggressive", printed["autonomous"].(map[string]any)["risk_level"])
	assert.Equal(t, float64(45000), printed["intervention"].(map[string]any)["timeout_ms"])
}

func TestConfigCommandRejectsInvalidRiskLevel(t *testing.T) {
	t.Setenv("AUTOTRADER_RISK_LEVEL", "reckless")
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"config", "--config", ""})
	assert.Error(t, cmd.Execute())
}

func TestResolveConfigPath(t *testing.T) {
	assert.Equal(t, "flag.json", resolveConfigPath("flag.json"))

	t.Setenv(configEnv, "env.json")
	assert.Equal(t, "env.json", resolveConfigPath(""))
}

func TestWatchRequiresRelay(t *testing.T) {
	t.Setenv("AUTOTRADER_RELAY_DRIVER", "none")
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"watch", "--config", ""})
	assert.Error(t, cmd.Execute())
}
