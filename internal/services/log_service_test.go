package services

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-proxy/gatehouse/internal/config"
)

func newLogService(t *testing.T) (*LogService, string) {
	t.Helper()
	dir := t.TempDir()
	return NewLogService(config.Config{LogDir: dir}), dir
}

func TestLogService_ListLogs(t *testing.T) {
	service, dir := newLogService(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "gatehouse.log"), []byte("line\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "access.log"), []byte("line\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.log"), 0o755))

	logs, err := service.ListLogs()
	require.NoError(t, err)
	require.Len(t, logs, 2)
	names := []string{logs[0].Name, logs[1].Name}
	assert.Contains(t, names, "gatehouse.log")
	assert.Contains(t, names, "access.log")
}

func TestLogService_ReadLog(t *testing.T) {
	service, dir := newLogService(t)
	content := "one\ntwo\nthree\nfour\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gatehouse.log"), []byte(content), 0o644))

	lines, err := service.ReadLog("gatehouse.log", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"three", "four"}, lines)

	lines, err = service.ReadLog("gatehouse.log", 100)
	require.NoError(t, err)
	assert.Len(t, lines, 4)
}

func TestLogService_ReadLogRejectsPaths(t *testing.T) {
	service, _ := newLogService(t)

	_, err := service.ReadLog("../etc/passwd", 10)
	assert.Error(t, err)
	_, err = service.ReadLog("/etc/passwd", 10)
	assert.Error(t, err)
	_, err = service.ReadLog(".hidden.log", 10)
	assert.Error(t, err)
	_, err = service.ReadLog("missing.log", 10)
	assert.Error(t, err)
}
