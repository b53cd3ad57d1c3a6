package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const validTOML = `
router_id = "router-a"
host = "127.0.0.1"
port = 4100

[redis]
url = "redis://localhost:6379/1"

[security]
encryption_key = "0123456789abcdef0123456789abcdef"

[monitoring]
log_level = "debug"

[network]
heartbeat_interval = "10s"
timeout = "5s"

[[network.peers]]
id = "router-b"
url = "ws://router-b:4100/ws"
public_key = "02aabb"

[ledgers.local]
type = "mock"

[confirmation]
max_concurrency = 4
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "finp2pd.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validTOML))
	require.NoError(t, err)

	require.Equal(t, "router-a", cfg.RouterID)
	require.Equal(t, "127.0.0.1", cfg.Host)
	require.Equal(t, 4100, cfg.Port)
	require.Equal(t, "redis://localhost:6379/1", cfg.Redis.URL)
	require.Equal(t, "debug", cfg.Monitoring.LogLevel)
	require.Equal(t, 10*time.Second, cfg.Network.HeartbeatInterval)
	require.Len(t, cfg.Network.Peers, 1)
	require.Equal(t, "router-b", cfg.Network.Peers[0].ID)
	require.Equal(t, "mock", cfg.Ledgers["local"].Type)

	// File overrides merge over defaults.
	require.Equal(t, 4, cfg.Confirmation.MaxConcurrency)
	require.Equal(t, 5, cfg.Confirmation.BatchSize)
	require.Equal(t, 300*time.Second, cfg.ReservationTimeout)
	require.Equal(t, 60*time.Minute, cfg.Transfer.TTL)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("FINP2P_PORT", "5200")
	t.Setenv("FINP2P_MONITORING_LOG_LEVEL", "warn")

	cfg, err := LoadConfig(writeConfig(t, validTOML))
	require.NoError(t, err)
	require.Equal(t, 5200, cfg.Port)
	require.Equal(t, "warn", cfg.Monitoring.LogLevel)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "does not exist")
}

func TestValidation(t *testing.T) {
	base := func() string { return validTOML }

	cases := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name:    "empty router id",
			mutate:  func(s string) string { return strings.Replace(s, `router_id = "router-a"`, `router_id = ""`, 1) },
			wantErr: "router_id",
		},
		{
			name:    "port out of range",
			mutate:  func(s string) string { return strings.Replace(s, "port = 4100", "port = 70000", 1) },
			wantErr: "port",
		},
		{
			name: "short encryption key",
			mutate: func(s string) string {
				return strings.Replace(s, `encryption_key = "0123456789abcdef0123456789abcdef"`, `encryption_key = "short"`, 1)
			},
			wantErr: "encryption_key",
		},
		{
			name:    "unknown ledger type",
			mutate:  func(s string) string { return s + "\n[ledgers.bad]\ntype = \"dogechain\"\n" },
			wantErr: "unknown type",
		},
		{
			name:    "unknown storage backend",
			mutate:  func(s string) string { return s + "\n[storage]\nbackend = \"tape\"\n" },
			wantErr: "storage backend",
		},
		{
			name:    "peer without url",
			mutate:  func(s string) string { return s + "\n[[network.peers]]\nid = \"router-c\"\n" },
			wantErr: "has no url",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.mutate(base())))
			require.ErrorIs(t, err, ErrInvalidConfig)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidationIsDeterministic(t *testing.T) {
	bad := strings.Replace(validTOML, "port = 4100", "port = 70000", 1)
	path := writeConfig(t, bad)

	_, err1 := LoadConfig(path)
	_, err2 := LoadConfig(path)
	require.Error(t, err1)
	require.Error(t, err2)
	require.Equal(t, err1.Error(), err2.Error())
}
