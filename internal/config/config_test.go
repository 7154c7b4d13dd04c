package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.ini")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMasterMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadMaster(filepath.Join(t.TempDir(), "absent.ini"))
	require.NoError(t, err)
	if diff := cmp.Diff(DefaultMaster(), cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "http://localhost:8000", cfg.BaseURL())
	assert.Equal(t, "0.0.0.0:8000", cfg.ListenAddr())
}

func TestLoadMasterOverrides(t *testing.T) {
	path := writeFile(t, `
[server]
port = 9100
public_url = http://master.internal:9100

[store]
backend = etcd
etcd_endpoints = etcd-0:2379,etcd-1:2379
dial_timeout = 2s

[ledger]
backend = memory

[scheduler]
policy = round_robin

[log]
level = debug
format = json
`)
	cfg, err := LoadMaster(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "http://master.internal:9100", cfg.BaseURL())
	assert.Equal(t, "etcd", cfg.Store.Backend)
	assert.Equal(t, []string{"etcd-0:2379", "etcd-1:2379"}, cfg.Store.EtcdEndpoints)
	assert.Equal(t, 2*time.Second, cfg.Store.DialTimeout)
	assert.Equal(t, "memory", cfg.Ledger.Backend)
	assert.Equal(t, "round_robin", cfg.Scheduler.Policy)
	assert.Equal(t, 10, cfg.Cluster.PingIntervalSeconds)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadMasterRejectsUnknownBackend(t *testing.T) {
	path := writeFile(t, "[store]\nbackend = postgres\n")
	_, err := LoadMaster(path)
	assert.Error(t, err)
}

func TestLoadWorker(t *testing.T) {
	path := writeFile(t, `
[orchestrator]
url = http://master:8000

[worker]
poll_interval = 5s

[executor]
runtime = docker
image = python:3.12
`)
	cfg, err := LoadWorker(path)
	require.NoError(t, err)
	assert.Equal(t, "http://master:8000", cfg.Orchestrator.URL)
	assert.Equal(t, 5*time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, 2500*time.Millisecond, cfg.Worker.HeartbeatTick)
	assert.Equal(t, "docker", cfg.Executor.Runtime)
	assert.Equal(t, "python:3.12", cfg.Executor.Image)

	bad := writeFile(t, "[executor]\nruntime = wasm\n")
	_, err = LoadWorker(bad)
	assert.Error(t, err)
}

func TestResolvePath(t *testing.T) {
	t.Setenv(WorkerConfigEnv, "")
	assert.Equal(t, "worker.ini", ResolvePath("worker.ini", WorkerConfigEnv))
	t.Setenv(WorkerConfigEnv, "/etc/kodu/worker.ini")
	assert.Equal(t, "/etc/kodu/worker.ini", ResolvePath("worker.ini", WorkerConfigEnv))
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger("debug", "json")
	require.NoError(t, err)
	assert.NotNil(t, l)

	_, err = NewLogger("loud", "json")
	assert.Error(t, err)
	_, err = NewLogger("info", "xml")
	assert.Error(t, err)
}
