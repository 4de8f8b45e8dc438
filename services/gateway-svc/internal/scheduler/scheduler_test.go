package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jokemanfire/assistant/pkg/apperror"
	"github.com/jokemanfire/assistant/pkg/config"
)

// writeWorkerConfig кладёт TOML worker'а во временный каталог
func writeWorkerConfig(t *testing.T, addr string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.toml")
	content := fmt.Sprintf("[server]\nsocket_addr = %q\n\n[chat]\nmodel_name = \"default\"\n", addr)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// fakeRuntime возвращает скрипт, живущий до SIGTERM вместо wasmedge
func fakeRuntime(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runtime.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nsleep 60\n"), 0o755))
	return path
}

// fakeWasm возвращает уже существующий wasm-файл, чтобы не скачивать
func fakeWasm(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "llama-api-server.wasm")
	require.NoError(t, os.WriteFile(path, []byte("\x00asm"), 0o644))
	return path
}

func newTestScheduler(t *testing.T, maxInstances int) *Scheduler {
	t.Helper()
	s := New(config.SchedulerConfig{
		ConfigDir:    t.TempDir(),
		MaxInstances: maxInstances,
		MaxLoad:      0.8,
		WasmPath:     fakeWasm(t),
		RuntimePath:  fakeRuntime(t),
	})
	t.Cleanup(s.StopAll)
	return s
}

// insertRunning вставляет готовую запись мимо запуска процесса
func insertRunning(s *Scheduler, id, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[id] = &record{inst: Instance{
		ID:         id,
		ServerAddr: addr,
		Status:     StatusRunning,
	}}
}

func TestLaunchInstanceMissingConfigPath(t *testing.T) {
	s := newTestScheduler(t, 1)

	_, err := s.LaunchInstance(context.Background(), config.LlamaServerConfig{Name: "default"})
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.CodeMissingConfigPath))
	assert.Empty(t, s.List())
}

func TestLaunchInstanceConfigUnreadable(t *testing.T) {
	s := newTestScheduler(t, 1)

	tests := []struct {
		name       string
		configPath string
	}{
		{"nonexistent file", filepath.Join(t.TempDir(), "absent.toml")},
		{"invalid toml", writeBrokenConfig(t, "not toml [[[")},
		{"missing socket_addr", writeBrokenConfig(t, "[server]\nport = 1\n")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.LaunchInstance(context.Background(), config.LlamaServerConfig{
				Name:       "default",
				ConfigPath: tt.configPath,
			})
			require.Error(t, err)
			assert.True(t, apperror.Is(err, apperror.CodeConfigUnreadable))
		})
	}
}

func writeBrokenConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "broken.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLaunchInstanceCapacityReached(t *testing.T) {
	s := newTestScheduler(t, 1)
	insertRunning(s, "occupied", "127.0.0.1:1")

	_, err := s.LaunchInstance(context.Background(), config.LlamaServerConfig{
		Name:       "default",
		ConfigPath: writeWorkerConfig(t, "127.0.0.1:18080"),
	})
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.CodeCapacityReached))
}

func TestLaunchInstanceSuccess(t *testing.T) {
	s := newTestScheduler(t, 2)

	inst, err := s.LaunchInstance(context.Background(), config.LlamaServerConfig{
		Name:          "default",
		ChatModelPath: "/models/chat.gguf",
		ConfigPath:    writeWorkerConfig(t, "127.0.0.1:18081"),
	})
	require.NoError(t, err)

	assert.NotEmpty(t, inst.ID)
	assert.Equal(t, "127.0.0.1:18081", inst.ServerAddr)
	assert.Equal(t, StatusRunning, inst.Status)

	got, ok := s.GetInstance(inst.ID)
	require.True(t, ok)
	assert.Equal(t, inst.ID, got.ID)
	assert.Equal(t, StatusRunning, got.Status)
}

func TestWatcherRemovesDeadInstance(t *testing.T) {
	s := newTestScheduler(t, 1)
	// Рантайм, который сразу выходит
	exitPath := filepath.Join(t.TempDir(), "exit.sh")
	require.NoError(t, os.WriteFile(exitPath, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	s.runtimePath = exitPath

	inst, err := s.LaunchInstance(context.Background(), config.LlamaServerConfig{
		Name:       "default",
		ConfigPath: writeWorkerConfig(t, "127.0.0.1:18082"),
	})
	require.NoError(t, err)

	// Смерть процесса терминальна: запись уходит из live map
	require.Eventually(t, func() bool {
		_, ok := s.GetInstance(inst.ID)
		return !ok
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStopInstance(t *testing.T) {
	s := newTestScheduler(t, 1)

	inst, err := s.LaunchInstance(context.Background(), config.LlamaServerConfig{
		Name:       "default",
		ConfigPath: writeWorkerConfig(t, "127.0.0.1:18083"),
	})
	require.NoError(t, err)

	// Scratch-файл инстанса должен быть убран вместе с записью
	scratch := filepath.Join(s.configDir, inst.ID+".toml")
	require.NoError(t, os.WriteFile(scratch, []byte("[server]\n"), 0o644))

	require.NoError(t, s.StopInstance(inst.ID))

	_, ok := s.GetInstance(inst.ID)
	assert.False(t, ok)
	_, err = os.Stat(scratch)
	assert.True(t, os.IsNotExist(err))

	// Идемпотентность: неизвестный id - молчаливый успех
	assert.NoError(t, s.StopInstance(inst.ID))
	assert.NoError(t, s.StopInstance("unknown"))
}

func TestLoadAllBestEffort(t *testing.T) {
	s := newTestScheduler(t, 3)

	s.LoadAll(context.Background(), []config.LlamaServerConfig{
		{Name: "bad"}, // без config_path
		{Name: "good", ConfigPath: writeWorkerConfig(t, "127.0.0.1:18084")},
	})

	// Ошибка одного инстанса не мешает остальным
	assert.Len(t, s.List(), 1)
}

func TestLoadAllRespectsCap(t *testing.T) {
	s := newTestScheduler(t, 2)

	s.LoadAll(context.Background(), []config.LlamaServerConfig{
		{Name: "a", ConfigPath: writeWorkerConfig(t, "127.0.0.1:18085")},
		{Name: "b", ConfigPath: writeWorkerConfig(t, "127.0.0.1:18086")},
		{Name: "c", ConfigPath: writeWorkerConfig(t, "127.0.0.1:18087")},
	})

	assert.Len(t, s.List(), 2)
}

func TestCheckLoadAndIsBusy(t *testing.T) {
	s := newTestScheduler(t, 2)

	assert.InDelta(t, 0.0, s.CheckLoad(), 1e-9)
	assert.False(t, s.IsBusy(0.5))
	// Порог 0 означает всегда занят
	assert.True(t, s.IsBusy(0.0))

	insertRunning(s, "a", "127.0.0.1:1")
	assert.InDelta(t, 0.5, s.CheckLoad(), 1e-9)
	assert.True(t, s.IsBusy(0.5))
	assert.False(t, s.IsBusy(0.6))
	assert.False(t, s.IsBusy(1.0))

	insertRunning(s, "b", "127.0.0.1:2")
	assert.InDelta(t, 1.0, s.CheckLoad(), 1e-9)
	assert.True(t, s.IsBusy(1.0))
}

func TestZeroCapacityPoolIsAlwaysBusy(t *testing.T) {
	s := New(config.SchedulerConfig{MaxInstances: 0})

	assert.InDelta(t, 1.0, s.CheckLoad(), 1e-9)
	assert.True(t, s.IsBusy(0.0))
	assert.True(t, s.IsBusy(0.5))
	assert.True(t, s.IsBusy(1.0))
}

func TestBuildCommand(t *testing.T) {
	s := New(config.SchedulerConfig{
		WasmPath:    "/opt/assistant/llama-api-server.wasm",
		RuntimePath: "wasmedge",
	})

	cmd := s.buildCommand(config.LlamaServerConfig{
		Name:               "full",
		ChatModelPath:      "/models/chat.gguf",
		EmbeddingModelPath: "/models/embed.gguf",
		TtsModelPath:       "/models/tts.gguf",
	}, "/etc/assistant/models/full.toml")

	assert.Equal(t, "/etc/assistant/models", cmd.Dir)
	assert.Equal(t, []string{
		"wasmedge",
		"--dir", ".:.",
		"--nn-preload", "default:GGML:AUTO:/models/chat.gguf",
		"--nn-preload", "embedding:GGML:AUTO:/models/embed.gguf",
		"--nn-preload", "tts:GGML:AUTO:/models/tts.gguf",
		"/opt/assistant/llama-api-server.wasm",
		"config", "--file", "full.toml",
		"--chat", "--embedding", "--tts",
	}, cmd.Args)
}

func TestBuildCommandChatOnly(t *testing.T) {
	s := New(config.SchedulerConfig{
		WasmPath:    "/opt/assistant/llama-api-server.wasm",
		RuntimePath: "wasmedge",
	})

	cmd := s.buildCommand(config.LlamaServerConfig{
		Name:          "chat",
		ChatModelPath: "/models/chat.gguf",
	}, "/etc/assistant/models/chat.toml")

	assert.Equal(t, []string{
		"wasmedge",
		"--dir", ".:.",
		"--nn-preload", "default:GGML:AUTO:/models/chat.gguf",
		"/opt/assistant/llama-api-server.wasm",
		"config", "--file", "chat.toml",
		"--chat",
	}, cmd.Args)
}
