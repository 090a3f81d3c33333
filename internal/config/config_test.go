package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hoodiQueue = "0xfe56573178f1bcdf53F01A6E9977670dcBBD9186"

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("QUEUES_FILE", "")
	t.Setenv("ETH_RPC_URL", "http://localhost:8545")
	t.Setenv("NETWORK", "hoodi")
	t.Setenv("WITHDRAWAL_QUEUE_ADDRESS", hoodiQueue)
	t.Setenv("MAX_SHARE_RATE", "1150000000000000000")
	t.Setenv("INITIAL_BUDGET", "500000000000000000000")
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoad_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis://localhost:6379", cfg.Redis.URL)
	assert.Equal(t, "finalizer:batches", cfg.Redis.Stream)
	assert.Equal(t, 8080, cfg.Server.HealthPort)
	assert.Empty(t, cfg.Server.AdminAddr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 10000, cfg.Finalizer.IterationCeiling)
	assert.Equal(t, 30*time.Second, cfg.Finalizer.PerCallTimeout)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.True(t, cfg.Tracing.Insecure)

	require.Len(t, cfg.Queues, 1)
	q := cfg.Queues[0]
	assert.Equal(t, "withdrawal-queue-hoodi", q.Name)
	assert.Equal(t, "http://localhost:8545", q.RPCURL)
	assert.Equal(t, "@every 1m", q.Schedule)
	assert.Equal(t, uint64(1000), q.MaxRequestsPerCall)
	assert.Equal(t, 10000, q.IterationCeiling)
	assert.Equal(t, time.Hour, q.RequestTimestampMargin)

	rate, err := q.ShareRate()
	require.NoError(t, err)
	assert.Equal(t, "1150000000000000000", rate.String())

	got, ok := cfg.Queue("withdrawal-queue-hoodi")
	assert.True(t, ok)
	assert.Equal(t, q, got)
}

func TestLoad_EnvOverride(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("ITERATION_CEILING", "50")
	t.Setenv("ORACLE_CALL_TIMEOUT", "2s")
	t.Setenv("RPC_RATE_LIMIT", "7.5")
	t.Setenv("OTEL_INSECURE", "false")
	t.Setenv("ADMIN_ADDR", ":9090")
	t.Setenv("QUEUE_NAME", "lido-hoodi")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Queues[0].IterationCeiling)
	assert.Equal(t, 2*time.Second, cfg.Queues[0].PerCallTimeout)
	assert.InDelta(t, 7.5, cfg.Chain.RateLimit, 0.0001)
	assert.False(t, cfg.Tracing.Insecure)
	assert.Equal(t, ":9090", cfg.Server.AdminAddr)
	assert.Equal(t, "lido-hoodi", cfg.Queues[0].Name)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("HEALTH_PORT", "not-a-number")
	t.Setenv("RUN_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HealthPort)
	assert.Equal(t, 10*time.Minute, cfg.Finalizer.RunTimeout)
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"missing rpc", "ETH_RPC_URL", "", "rpc url is required"},
		{"bad address", "WITHDRAWAL_QUEUE_ADDRESS", "0x1234", "invalid contract address"},
		{"zero share rate", "MAX_SHARE_RATE", "0", "max_share_rate"},
		{"negative budget", "INITIAL_BUDGET", "-5", "initial_budget"},
		{"unknown network", "NETWORK", "goerli", "unsupported network"},
		{"zero ceiling", "ITERATION_CEILING", "0", "ITERATION_CEILING"},
		{"sample ratio", "OTEL_SAMPLE_RATIO", "1.5", "OTEL_SAMPLE_RATIO"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBaseEnv(t)
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFile_DotEnv(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("LOG_LEVEL", "")
	os.Unsetenv("LOG_LEVEL")

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("LOG_LEVEL=debug\n"), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
}

const queuesYAML = `
queues:
  - name: lido-mainnet
    network: mainnet
    address: "0x889edC2eDab5f40e902b864aD4d7AdE8E412F9B1"
    max_share_rate: "1200000000000000000"
    initial_budget: "1000000000000000000000"
    schedule: "*/5 * * * *"
    per_call_timeout: 10s
  - name: lido-hoodi
    network: hoodi
    address: "0xfe56573178f1bcdf53F01A6E9977670dcBBD9186"
    rpc_url: http://hoodi:8545
    max_share_rate: "1150000000000000000"
    initial_budget: "0"
    iteration_ceiling: 500
`

func writeQueues(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "queues.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_QueuesFile(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("QUEUES_FILE", writeQueues(t, t.TempDir(), queuesYAML))

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Queues, 2)

	mainnet, ok := cfg.Queue("lido-mainnet")
	require.True(t, ok)
	assert.Equal(t, "http://localhost:8545", mainnet.RPCURL, "falls back to ETH_RPC_URL")
	assert.Equal(t, "*/5 * * * *", mainnet.Schedule)
	assert.Equal(t, 10*time.Second, mainnet.PerCallTimeout)
	assert.Equal(t, 10000, mainnet.IterationCeiling)

	hoodi, ok := cfg.Queue("lido-hoodi")
	require.True(t, ok)
	assert.Equal(t, "http://hoodi:8545", hoodi.RPCURL)
	assert.Equal(t, 500, hoodi.IterationCeiling)
	budget, err := hoodi.Budget()
	require.NoError(t, err)
	assert.Equal(t, 0, budget.Sign())
}

func TestValidateQueues_Duplicates(t *testing.T) {
	q := QueueConfig{
		Name: "a", Network: "mainnet", Address: hoodiQueue, RPCURL: "http://x",
		MaxShareRate: "1", InitialBudget: "1", MaxRequestsPerCall: 1,
	}
	require.NoError(t, ValidateQueues([]QueueConfig{q}))
	err := ValidateQueues([]QueueConfig{q, q})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
	assert.Error(t, ValidateQueues(nil))
}

func TestLoadQueues_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadQueues(filepath.Join(dir, "absent.yaml"))
	require.Error(t, err)

	_, err = LoadQueues(writeQueues(t, dir, "queues: [\n"))
	require.Error(t, err)

	_, err = LoadQueues(writeQueues(t, dir, "queues: []\n"))
	require.Error(t, err)
}

func TestWatchQueues_Reload(t *testing.T) {
	setBaseEnv(t)
	dir := t.TempDir()
	path := writeQueues(t, dir, queuesYAML)
	t.Setenv("QUEUES_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []QueueConfig, 64)
	done := make(chan error, 1)
	go func() {
		done <- cfg.WatchQueues(ctx, silentLogger(), func(q []QueueConfig) {
			select {
			case reloaded <- q:
			default:
			}
		})
	}()

	withSepolia := queuesYAML + `
  - name: lido-sepolia
    network: sepolia
    address: "0xfe56573178f1bcdf53F01A6E9977670dcBBD9186"
    max_share_rate: "1"
    initial_budget: "1"
`
	var got []QueueConfig
	require.Eventually(t, func() bool {
		require.NoError(t, os.WriteFile(path, []byte(withSepolia), 0o600))
		deadline := time.After(100 * time.Millisecond)
		for {
			select {
			case q := <-reloaded:
				// A read racing the write may see a truncated file.
				if len(q) == 3 {
					got = q
					return true
				}
			case <-deadline:
				return false
			}
		}
	}, 5*time.Second, 10*time.Millisecond)

	require.Len(t, got, 3)
	assert.Equal(t, "lido-sepolia", got[2].Name)
	assert.Equal(t, "http://localhost:8545", got[2].RPCURL)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

// saveAtomically writes body to a temp file next to path and renames it over
// path, the way editors and config management tools replace files.
func saveAtomically(t *testing.T, path, body string) {
	t.Helper()
	tmp, err := os.CreateTemp(filepath.Dir(path), ".queues-*.yaml")
	require.NoError(t, err)
	_, err = tmp.WriteString(body)
	require.NoError(t, err)
	require.NoError(t, tmp.Close())
	require.NoError(t, os.Rename(tmp.Name(), path))
}

func TestWatchQueues_ReloadsAfterAtomicSaves(t *testing.T) {
	setBaseEnv(t)
	dir := t.TempDir()
	path := writeQueues(t, dir, queuesYAML)
	t.Setenv("QUEUES_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []QueueConfig, 64)
	done := make(chan error, 1)
	go func() {
		done <- cfg.WatchQueues(ctx, silentLogger(), func(q []QueueConfig) {
			select {
			case reloaded <- q:
			default:
			}
		})
	}()

	saveAndWait := func(body string, want int) []QueueConfig {
		var got []QueueConfig
		require.Eventually(t, func() bool {
			saveAtomically(t, path, body)
			deadline := time.After(100 * time.Millisecond)
			for {
				select {
				case q := <-reloaded:
					if len(q) == want {
						got = q
						return true
					}
				case <-deadline:
					return false
				}
			}
		}, 5*time.Second, 10*time.Millisecond)
		return got
	}

	withSepolia := queuesYAML + `
  - name: lido-sepolia
    network: sepolia
    address: "0xfe56573178f1bcdf53F01A6E9977670dcBBD9186"
    max_share_rate: "1"
    initial_budget: "1"
`
	got := saveAndWait(withSepolia, 3)
	assert.Equal(t, "lido-sepolia", got[2].Name)

	mainnetOnly := `
queues:
  - name: lido-mainnet
    network: mainnet
    address: "0x889edC2eDab5f40e902b864aD4d7AdE8E412F9B1"
    max_share_rate: "1200000000000000000"
    initial_budget: "1000000000000000000000"
`
	got = saveAndWait(mainnetOnly, 1)
	assert.Equal(t, "lido-mainnet", got[0].Name)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestQueuesFileChanged(t *testing.T) {
	path := filepath.Join("/etc", "finalizer", "queues.yaml")

	tests := []struct {
		name  string
		event fsnotify.Event
		want  bool
	}{
		{"write", fsnotify.Event{Name: path, Op: fsnotify.Write}, true},
		{"rename target", fsnotify.Event{Name: path, Op: fsnotify.Create}, true},
		{"configmap swap", fsnotify.Event{Name: "/etc/finalizer/..data", Op: fsnotify.Create}, true},
		{"temp file", fsnotify.Event{Name: "/etc/finalizer/.queues-123.yaml", Op: fsnotify.Create}, false},
		{"sibling", fsnotify.Event{Name: "/etc/finalizer/other.yaml", Op: fsnotify.Write}, false},
		{"remove", fsnotify.Event{Name: path, Op: fsnotify.Remove}, false},
		{"chmod", fsnotify.Event{Name: path, Op: fsnotify.Chmod}, false},
		{"other dir data link", fsnotify.Event{Name: "/etc/other/..data", Op: fsnotify.Create}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, queuesFileChanged(tt.event, path))
		})
	}
}
