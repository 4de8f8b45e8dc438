// Package scheduler владеет пулом worker-процессов llama-api-server:
// запуск, наблюдение, остановка, выбор инстанса и проксирование запросов.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/jokemanfire/assistant/pkg/apperror"
	"github.com/jokemanfire/assistant/pkg/config"
	"github.com/jokemanfire/assistant/pkg/logger"
	"github.com/jokemanfire/assistant/pkg/metrics"
)

const (
	defaultWasmPath    = "/etc/assistant/bin/llama-api-server.wasm"
	defaultWasmURL     = "https://github.com/LlamaEdge/LlamaEdge/releases/latest/download/llama-api-server.wasm"
	defaultRuntimePath = "wasmedge"
)

// record живёт только внутри планировщика; наружу уходят копии Instance
type record struct {
	inst Instance
	proc *os.Process
}

// Scheduler управляет пулом инстансов. Единственное разделяемое
// состояние - карта инстансов под RWMutex: читатели снимают снимок,
// писатели не делают I/O под блокировкой.
type Scheduler struct {
	mu        sync.RWMutex
	instances map[string]*record

	configDir    string
	maxInstances int

	wasmPath    string
	wasmURL     string
	runtimePath string

	// httpClient для запросов к worker'ам; ambient proxy отключён
	httpClient *http.Client
}

// New создаёт планировщик по конфигурации
func New(cfg config.SchedulerConfig) *Scheduler {
	s := &Scheduler{
		instances:    make(map[string]*record),
		configDir:    cfg.ConfigDir,
		maxInstances: cfg.MaxInstances,
		wasmPath:     cfg.WasmPath,
		wasmURL:      cfg.WasmURL,
		runtimePath:  cfg.RuntimePath,
		httpClient: &http.Client{
			// Transport без Proxy: worker слушает на loopback,
			// ambient HTTP_PROXY ломал бы соединение
			Transport: &http.Transport{},
		},
	}
	if s.wasmPath == "" {
		s.wasmPath = defaultWasmPath
	}
	if s.wasmURL == "" {
		s.wasmURL = defaultWasmURL
	}
	if s.runtimePath == "" {
		s.runtimePath = defaultRuntimePath
	}
	return s
}

// LoadAll запускает все объявленные модели по порядку; ошибка одного
// инстанса логируется и не прерывает остальные
func (s *Scheduler) LoadAll(ctx context.Context, configs []config.LlamaServerConfig) {
	for _, cfg := range configs {
		if _, err := s.LaunchInstance(ctx, cfg); err != nil {
			logger.Warn("Failed to start instance", "name", cfg.Name, "error", err)
		}
	}
}

// LaunchInstance запускает один worker. Возвращает снимок инстанса
// или ошибку запуска; лимит проверяется авторитетно в момент вставки.
func (s *Scheduler) LaunchInstance(ctx context.Context, cfg config.LlamaServerConfig) (*Instance, error) {
	if cfg.ConfigPath == "" {
		metrics.IncLaunch("missing_config")
		return nil, apperror.MissingConfigPath(cfg.Name)
	}

	// Быстрая проверка лимита до какого-либо I/O
	s.mu.RLock()
	full := len(s.instances) >= s.maxInstances
	s.mu.RUnlock()
	if full {
		metrics.IncLaunch("capacity")
		return nil, apperror.CapacityReached(s.maxInstances)
	}

	if err := os.MkdirAll(s.configDir, 0o755); err != nil {
		metrics.IncLaunch("error")
		return nil, apperror.Wrap(apperror.CodeInternal, "cannot create config dir", err)
	}

	serverAddr, err := readWorkerAddr(cfg.ConfigPath)
	if err != nil {
		metrics.IncLaunch("config_unreadable")
		return nil, apperror.ConfigUnreadable(cfg.ConfigPath, err)
	}

	configPath, err := filepath.Abs(cfg.ConfigPath)
	if err != nil {
		metrics.IncLaunch("config_unreadable")
		return nil, apperror.ConfigUnreadable(cfg.ConfigPath, err)
	}

	// Wasm бинарь скачивается один раз; ошибка скачивания - ошибка запуска
	if err := s.ensureWorkerBinary(ctx); err != nil {
		metrics.IncLaunch("error")
		return nil, apperror.Wrap(apperror.CodeInternal, "cannot materialise worker binary", err)
	}

	id := uuid.New().String()
	inst := Instance{
		ID:         id,
		Config:     cfg,
		ServerAddr: serverAddr,
		Status:     StatusStarting,
	}

	cmd := s.buildCommand(cfg, configPath)
	logger.Debug("Starting llama-api-server",
		"id", id,
		"config", configPath,
		"workdir", cmd.Dir,
		"server_addr", serverAddr,
	)

	if err := cmd.Start(); err != nil {
		metrics.IncLaunch("spawn_failed")
		return nil, apperror.Wrap(apperror.CodeInternal, "cannot spawn worker", err)
	}

	// Worker'у доверяем bind: Running сразу после spawn, без probe
	inst.Status = StatusRunning

	s.mu.Lock()
	if len(s.instances) >= s.maxInstances {
		// Проиграли гонку за последний слот
		s.mu.Unlock()
		_ = cmd.Process.Signal(syscall.SIGTERM)
		go func() { _ = cmd.Wait() }()
		metrics.IncLaunch("capacity")
		return nil, apperror.CapacityReached(s.maxInstances)
	}
	s.instances[id] = &record{inst: inst, proc: cmd.Process}
	running := s.runningLocked()
	s.mu.Unlock()

	metrics.IncLaunch("ok")
	metrics.SetPool(running, s.CheckLoad())
	logger.Info("Instance started", "id", id, "name", cfg.Name, "server_addr", serverAddr)

	go s.watch(id, cmd)

	return &inst, nil
}

// watch ждёт завершения процесса; смерть worker'а терминальна
func (s *Scheduler) watch(id string, cmd *exec.Cmd) {
	err := cmd.Wait()

	s.mu.Lock()
	rec, ok := s.instances[id]
	if ok {
		rec.inst.Status = StatusStopped
		delete(s.instances, id)
	}
	running := s.runningLocked()
	s.mu.Unlock()

	if ok {
		metrics.SetPool(running, s.CheckLoad())
		logger.Info("Instance exited", "id", id, "error", err)
	}
}

// StopInstance останавливает инстанс. Идемпотентна: неизвестный id -
// молчаливый успех.
func (s *Scheduler) StopInstance(id string) error {
	s.mu.Lock()
	rec, ok := s.instances[id]
	if ok {
		rec.inst.Status = StatusStopped
		delete(s.instances, id)
	}
	running := s.runningLocked()
	s.mu.Unlock()

	if !ok {
		return nil
	}

	metrics.SetPool(running, s.CheckLoad())

	if rec.proc != nil {
		_ = rec.proc.Signal(syscall.SIGTERM)
	}

	// Scratch-файл инстанса в каталоге планировщика
	scratch := filepath.Join(s.configDir, fmt.Sprintf("%s.toml", id))
	if _, err := os.Stat(scratch); err == nil {
		if err := os.Remove(scratch); err != nil {
			return err
		}
	}

	logger.Info("Instance stopped", "id", id)
	return nil
}

// StopAll останавливает все живые инстансы; не ждёт выхода процессов
func (s *Scheduler) StopAll() {
	for _, inst := range s.List() {
		if err := s.StopInstance(inst.ID); err != nil {
			logger.Warn("Failed to stop instance", "id", inst.ID, "error", err)
		}
	}
}

// GetInstance возвращает снимок инстанса по id
func (s *Scheduler) GetInstance(id string) (*Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.instances[id]
	if !ok {
		return nil, false
	}
	inst := rec.inst
	return &inst, true
}

// List возвращает снимки всех инстансов
func (s *Scheduler) List() []Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Instance, 0, len(s.instances))
	for _, rec := range s.instances {
		out = append(out, rec.inst)
	}
	return out
}

// CheckLoad возвращает running / max_instances в [0, 1].
// Пул нулевой ёмкости всегда загружен.
func (s *Scheduler) CheckLoad() float64 {
	if s.maxInstances <= 0 {
		return 1.0
	}

	s.mu.RLock()
	running := s.runningLocked()
	s.mu.RUnlock()

	return float64(running) / float64(s.maxInstances)
}

// IsBusy отвечает на единственный вопрос load gate: нагрузка >= порога
func (s *Scheduler) IsBusy(maxLoad float64) bool {
	return s.CheckLoad() >= maxLoad
}

func (s *Scheduler) runningLocked() int {
	n := 0
	for _, rec := range s.instances {
		if rec.inst.Status == StatusRunning {
			n++
		}
	}
	return n
}

// ensureWorkerBinary скачивает llama-api-server.wasm, если его нет
func (s *Scheduler) ensureWorkerBinary(ctx context.Context) error {
	if _, err := os.Stat(s.wasmPath); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.wasmPath), 0o755); err != nil {
		return err
	}

	logger.Info("Downloading worker binary", "url", s.wasmURL, "path", s.wasmPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.wasmURL, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, s.wasmURL)
	}

	tmp := s.wasmPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, s.wasmPath)
}

// buildCommand собирает argv запуска worker'а:
// workdir = каталог конфига, --dir отображает его внутрь рантайма,
// по одному --nn-preload на каждую предзагружаемую модель, затем
// wasm, субкоманда config, имя файла и feature-флаги.
func (s *Scheduler) buildCommand(cfg config.LlamaServerConfig, configPath string) *exec.Cmd {
	args := []string{
		"--dir", ".:.",
		"--nn-preload", "default:GGML:AUTO:" + cfg.ChatModelPath,
	}

	embedding := cfg.EmbeddingModelPath != ""
	if embedding {
		args = append(args, "--nn-preload", "embedding:GGML:AUTO:"+cfg.EmbeddingModelPath)
	}

	tts := cfg.TtsModelPath != ""
	if tts {
		args = append(args, "--nn-preload", "tts:GGML:AUTO:"+cfg.TtsModelPath)
	}

	args = append(args, s.wasmPath, "config", "--file", filepath.Base(configPath), "--chat")
	if embedding {
		args = append(args, "--embedding")
	}
	if tts {
		args = append(args, "--tts")
	}

	cmd := exec.Command(s.runtimePath, args...)
	cmd.Dir = filepath.Dir(configPath)
	// Stdout и Stderr остаются nil: вывод worker'а уходит в devnull
	return cmd
}
