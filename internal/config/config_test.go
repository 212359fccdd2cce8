package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"servimatch/internal/domain"
)

func TestDefaultPolicy(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	want := map[domain.Urgency]time.Duration{
		domain.UrgencyLow:       7 * 24 * time.Hour,
		domain.UrgencyMedium:    5 * 24 * time.Hour,
		domain.UrgencyHigh:      3 * 24 * time.Hour,
		domain.UrgencyEmergency: 24 * time.Hour,
	}
	for u, d := range want {
		got, ok := cfg.Horizon(u)
		require.True(t, ok, u)
		require.Equal(t, d, got, u)
	}
	require.Equal(t, 7*24*time.Hour, cfg.Policy.ReviewWindow)
	require.Equal(t, 3, cfg.Policy.MaxReminders)
	require.Equal(t, 24*time.Hour, cfg.Policy.ReminderInterval)
	require.True(t, cfg.Policy.BlockNewRequests)
	require.False(t, cfg.Policy.EnforceActiveRole)
	require.Empty(t, cfg.Chat.Endpoint)
}

func TestFromYAMLOverridesOnlyGivenKeys(t *testing.T) {
	cfg, err := FromYAML([]byte(`policy:
  urgency_horizons:
    emergency: 6h
  max_reminders: 1
`))
	require.NoError(t, err)
	d, _ := cfg.Horizon(domain.UrgencyEmergency)
	require.Equal(t, 6*time.Hour, d)
	d, _ = cfg.Horizon(domain.UrgencyLow)
	require.Equal(t, 7*24*time.Hour, d)
	require.Equal(t, 1, cfg.Policy.MaxReminders)
	require.Equal(t, 7*24*time.Hour, cfg.Policy.ReviewWindow)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown tier":      "policy:\n  urgency_horizons:\n    someday: 1h\n",
		"zero horizon":      "policy:\n  urgency_horizons:\n    high: 0s\n",
		"review window":     "policy:\n  review_window: 0s\n",
		"negative reminder": "policy:\n  max_reminders: -1\n",
		"scheduler":         "scheduler:\n  request_expiry_interval: 0s\n",
		"retries":           "store:\n  retry_max_tries: 0\n",
		"webhook url":       "notifications:\n  webhooks:\n    - name: a\n",
		"duplicate webhook": "notifications:\n  webhooks:\n    - name: a\n      url: http://x\n    - name: a\n      url: http://y\n",
		"bad yaml":          "policy: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestWebhookSinkNames(t *testing.T) {
	require.Equal(t, "webhook:ops", WebhookConfig{Name: "ops"}.SinkName(0))
	require.Equal(t, "webhook:2", WebhookConfig{}.SinkName(2))

	off := false
	require.False(t, WebhookConfig{Enabled: &off}.IsEnabled())
	require.True(t, WebhookConfig{}.IsEnabled())
}

func TestLoadFromWorkspace(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(dir)
	require.ErrorContains(t, err, "config init")

	cfg, err := LoadOrDefault(dir)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("policy:\n  review_window: 48h\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	require.Equal(t, 48*time.Hour, cfg.Policy.ReviewWindow)

	require.Equal(t, filepath.Join(".", FileName), Path(""))
}
