package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ProctorStream/internal/detection"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proctor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// TestLoadFile 文件中的值覆盖默认值
func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":9999"
  grpc_addr: ""
  stream:
    read_timeout: 2s
session:
  channel_capacity: 4
  heartbeat_timeout: 3s
alert:
  debounce_window: 500ms
  escalate_after: 2
detection:
  backend: http
  endpoint: http://detector:5000
  retry_budget: 5
storage:
  driver: memory
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.HTTPAddr)
	assert.Empty(t, cfg.Server.GRPCAddr)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 2*time.Second, cfg.Server.Stream.ReadTimeout)

	tuning := cfg.Tuning()
	assert.Equal(t, 4, tuning.ChannelCapacity)
	assert.Equal(t, 3*time.Second, tuning.HeartbeatTimeout)
	assert.Equal(t, 500*time.Millisecond, tuning.Alert.DebounceWindow)
	assert.Equal(t, 2, tuning.Alert.EscalateAfter)
	assert.Equal(t, 5, tuning.Detection.RetryBudget)

	// 未出现在文件中的字段取默认值
	assert.Equal(t, 64, tuning.ObserverQueueSize)

	_, ok := cfg.Detector().(*detection.HTTPDetector)
	assert.True(t, ok)
}

// TestDefaults 默认值与各组件默认配置一致
func TestDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, ":9090", cfg.Server.GRPCAddr)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 5432, cfg.Storage.Postgres.Port)
	assert.False(t, cfg.MQTT.Enabled)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
	assert.Equal(t, 10*time.Second, cfg.Server.Stream.JoinTimeout)
	assert.Equal(t, cfg.Server.Stream.JoinTimeout, cfg.StreamConfig().JoinTimeout)
	assert.Equal(t, int64(8<<20), cfg.HTTPConfig().MaxUploadBytes)

	_, ok := cfg.Detector().(*detection.Seeded)
	assert.True(t, ok)
}

// TestEnvOverride 环境变量优先于文件
func TestEnvOverride(t *testing.T) {
	path := writeConfig(t, "session:\n  channel_capacity: 4\n")
	t.Setenv("PROCTOR_SESSION_CHANNEL_CAPACITY", "12")
	t.Setenv("PROCTOR_DETECTION_BACKEND", "scripted")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Session.ChannelCapacity)

	_, ok := cfg.Detector().(*detection.Scripted)
	assert.True(t, ok)
}

// TestValidate 非法取值
func TestValidate(t *testing.T) {
	cases := map[string]string{
		"capacity": "session:\n  channel_capacity: 0\n",
		"budget":   "detection:\n  retry_budget: 0\n",
		"backend":  "detection:\n  backend: magic\n",
		"driver":   "storage:\n  driver: mongo\n",
		"qos":      "mqtt:\n  qos: 3\n",
		"endpoint": "detection:\n  backend: http\n  endpoint: \"\"\n",
		// 读超时不小于心跳超时时，半开连接会让会话先停滞中止
		"read_timeout": "server:\n  stream:\n    read_timeout: 15s\nsession:\n  heartbeat_timeout: 15s\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.ErrorContains(t, err, "validate config")
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")
}

// TestManagerReload 文件变更后通知订阅者
func TestManagerReload(t *testing.T) {
	path := writeConfig(t, "session:\n  channel_capacity: 4\n")

	m := NewManager(WithPath(path), WithWatchEnabled(true))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Session.ChannelCapacity)
	assert.Equal(t, path, m.ConfigFile())

	changed := make(chan *Config, 4)
	m.OnChange(func(c *Config) { changed <- c })

	// 非法配置不会替换当前值
	replaceFile(t, path, "session:\n  channel_capacity: -1\n")
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 4, m.Current().Session.ChannelCapacity)
	assert.Empty(t, changed)

	replaceFile(t, path, "session:\n  channel_capacity: 16\n")
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changed:
			if c.Session.ChannelCapacity == 16 {
				assert.Equal(t, 16, m.Current().Session.ChannelCapacity)
				return
			}
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}

// replaceFile 先写临时文件再改名，避免监听方读到写了一半的内容
func replaceFile(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(body), 0o644))
	require.NoError(t, os.Rename(tmp, path))
}
