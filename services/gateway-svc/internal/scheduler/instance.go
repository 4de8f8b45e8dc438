package scheduler

import (
	"github.com/jokemanfire/assistant/pkg/config"
)

// Status состояние инстанса
type Status int

const (
	StatusStarting Status = iota
	StatusRunning
	StatusFailed
	StatusStopped
)

// String возвращает строковое представление статуса
func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusFailed:
		return "failed"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Instance запись о worker-процессе. Снимки, возвращаемые
// планировщиком, замороженные копии: менять их бессмысленно.
type Instance struct {
	// ID уникальный идентификатор, выдаётся при запуске
	ID string
	// Config конфигурация worker, неизменяемая после запуска
	Config config.LlamaServerConfig
	// ServerAddr host:port, прочитанный из TOML worker'а при запуске
	ServerAddr string
	// Status текущее состояние
	Status Status
}
