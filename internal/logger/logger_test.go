package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"canedump/internal/config"
)

func TestNewWithWriter_DebugGate(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, false)
	l.Debug("hidden %d", 1)
	l.Info("shown %d", 2)
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "INFO    shown 2") {
		t.Errorf("Unexpected output %q", buf.String())
	}

	buf.Reset()
	NewWithWriter(&buf, true).Debug("trace")
	if !strings.Contains(buf.String(), "DEBUG   trace") {
		t.Errorf("Expected debug line, got %q", buf.String())
	}
}

func TestNewLogger_LevelFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	l := NewLogger(&config.Config{LogDirectory: dir, LogLevel: "info"})
	l.Warning("disk nearly full")
	l.Error("write failed")

	warn, _ := os.ReadFile(filepath.Join(dir, "warning.log"))
	if !strings.Contains(string(warn), "disk nearly full") {
		t.Errorf("Expected warning in warning.log, got %q", warn)
	}
	errs, _ := os.ReadFile(filepath.Join(dir, "error.log"))
	if !strings.Contains(string(errs), "write failed") {
		t.Errorf("Expected error in error.log, got %q", errs)
	}

	l.CleanLogs("warning.log")
	warn, _ = os.ReadFile(filepath.Join(dir, "warning.log"))
	if len(warn) != 0 {
		t.Errorf("Expected warning.log to be truncated, got %q", warn)
	}
}
