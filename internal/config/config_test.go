package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("Acme Freight")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "Acme Freight", cfg.Portal.Name)
	assert.Equal(t, 2*time.Hour, cfg.SessionTTL())
	assert.Equal(t, 720*time.Hour, cfg.ResumeTTL())
	assert.Equal(t, "rr_session", cfg.CookieName())
	assert.Empty(t, cfg.Webhooks)
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte(`portal:
  name: Test
sessions:
  session_ttl: 30m
webhooks:
  - url: http://127.0.0.1:9/hook
    events: [applicant.completed]
`))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL())
	assert.Equal(t, 720*time.Hour, cfg.ResumeTTL())
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, []string{"applicant.completed"}, cfg.Webhooks[0].Events)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"empty name":       "portal:\n  name: \"\"\n",
		"bad duration":     "portal:\n  name: x\nsessions:\n  session_ttl: soon\n",
		"negative ttl":     "portal:\n  name: x\nsessions:\n  session_ttl: -1h\n",
		"resume too short": "portal:\n  name: x\nsessions:\n  session_ttl: 3h\n  resume_ttl: 1h\n",
		"cookie name":      "portal:\n  name: x\nsessions:\n  cookie_name: \"a b\"\n",
		"webhook url":      "portal:\n  name: x\nwebhooks:\n  - events: [x]\n",
		"not yaml":         "portal: [",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.Error(t, err)

	cfg, err := LoadOrDefault(dir)
	require.NoError(t, err)
	assert.Equal(t, "RoadReady", cfg.Portal.Name)

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(GenerateDefault("Depot")), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "Depot", cfg.Portal.Name)
}
