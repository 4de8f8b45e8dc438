package scheduler

import (
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// readWorkerAddr читает server.socket_addr из TOML конфигурации worker'а.
// Остальные секции файла принимаются, но игнорируются.
func readWorkerAddr(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), toml.Parser()); err != nil {
		return "", err
	}

	addr := k.String("server.socket_addr")
	if addr == "" {
		return "", fmt.Errorf("missing server.socket_addr in %s", path)
	}

	return addr, nil
}
