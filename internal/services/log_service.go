package services

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gatehouse-proxy/gatehouse/internal/config"
)

// LogService exposes the rotating log files to the admin API.
type LogService struct {
	logDir string
}

// NewLogService creates a LogService over the configured log directory.
func NewLogService(cfg config.Config) *LogService {
	return &LogService{logDir: cfg.LogDir}
}

// LogFile describes one readable log file.
type LogFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// ListLogs returns the .log files in the log directory.
func (s *LogService) ListLogs() ([]LogFile, error) {
	entries, err := os.ReadDir(s.logDir)
	if err != nil {
		return nil, err
	}

	logs := make([]LogFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		logs = append(logs, LogFile{Name: entry.Name(), Size: info.Size()})
	}
	return logs, nil
}

// ReadLog returns the last n lines of the named log file. The name must be a
// bare file name; anything resembling a path is rejected.
func (s *LogService) ReadLog(name string, lines int) ([]string, error) {
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return nil, fmt.Errorf("invalid log name: %s", name)
	}
	if lines <= 0 || lines > 10000 {
		lines = 100
	}

	data, err := os.ReadFile(filepath.Join(s.logDir, name))
	if err != nil {
		return nil, err
	}

	all := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(all) > lines {
		all = all[len(all)-lines:]
	}
	return all, nil
}
