package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tutor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	require.Equal(t, 20, cfg.RateLimit.Ceiling)
	require.Equal(t, 10*time.Minute, cfg.RateLimit.Window)
	require.Equal(t, "premium", cfg.KindTiers["exam"])
	require.Equal(t, "structured", cfg.KindTiers["lesson"])
	require.Equal(t, "utility", cfg.Chat.Tier)
	require.Equal(t, 500, cfg.Chat.MaxChars)
	require.Equal(t, 6, cfg.Chat.HistoryTurns)
	require.False(t, cfg.NeedsRedis())
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := writeYAML(t, `
content:
  prompt_version: v7
rate_limit:
  ceiling: 5
  window: 30s
chat:
  max_chars: 300
tiers:
  utility: [small-a, small-b]
`)
	t.Setenv("TUTOR_RATE_CEILING", "9")
	t.Setenv("TUTOR_TIERS", "utility=u1,u2;structured=s1;premium=p1, p2")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "v7", cfg.Content.PromptVersion)
	require.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	require.Equal(t, 9, cfg.RateLimit.Ceiling)
	require.Equal(t, 300, cfg.Chat.MaxChars)
	require.Equal(t, TierMap{
		"utility":    {"u1", "u2"},
		"structured": {"s1"},
		"premium":    {"p1", "p2"},
	}, cfg.Tiers)
}

func TestLoadRejectsKindOnUnknownTier(t *testing.T) {
	path := writeYAML(t, `
kind_tiers:
  exam: platinum
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "platinum")
}

func TestLoadRejectsBadValues(t *testing.T) {
	for name, body := range map[string]string{
		"rate backend":  "rate_limit:\n  backend: memcached\n",
		"zero ceiling":  "rate_limit:\n  ceiling: 0\n",
		"cache backend": "cache:\n  backend: disk\n",
		"postgres dsn":  "storage:\n  primary: postgres\n",
		"min over max":  "chat:\n  min_chars: 600\n",
		"llm flavor":    "llm:\n  flavor: grpc\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeYAML(t, body))
			require.Error(t, err)
		})
	}
}

func TestTierMapUnmarshalText(t *testing.T) {
	var m TierMap
	require.NoError(t, m.UnmarshalText([]byte(" utility = a , b ; premium=c ;")))
	require.Equal(t, TierMap{"utility": {"a", "b"}, "premium": {"c"}}, m)
	require.Equal(t, "premium=c;utility=a,b", m.String())

	require.Error(t, m.UnmarshalText([]byte("utility")))
	require.Error(t, m.UnmarshalText([]byte("utility=")))
	require.Error(t, m.UnmarshalText([]byte(";;")))
}

func TestNeedsRedis(t *testing.T) {
	t.Setenv("TUTOR_RATE_BACKEND", "redis")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.True(t, cfg.NeedsRedis())
}

func TestLoadEntryTTL(t *testing.T) {
	cfg, err := Load(writeYAML(t, "content:\n  entry_ttl: 45s\n"))
	require.NoError(t, err)
	require.Equal(t, 45*time.Second, cfg.Content.EntryTTL)

	t.Setenv("TUTOR_ENTRY_TTL", "2m")
	cfg, err = Load(writeYAML(t, "content:\n  entry_ttl: 45s\n"))
	require.NoError(t, err)
	require.Equal(t, 2*time.Minute, cfg.Content.EntryTTL)
	require.Equal(t, 10*time.Minute, cfg.Cache.TTL)
}
