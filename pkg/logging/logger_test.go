package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLoggerWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer logger.Close()

	if err := logger.Info(CategoryTask, "task_admitted", "admitted", map[string]any{"tool": "nmap"}); err != nil {
		t.Fatalf("Info: %v", err)
	}
	if err := logger.Error(CategoryExecutor, "spawn_failed", "exec error", nil); err != nil {
		t.Fatalf("Error: %v", err)
	}

	events := readEvents(t, filepath.Join(dir, "gateway.jsonl"))
	if len(events) != 2 {
		t.Fatalf("gateway log has %d events, want 2", len(events))
	}
	if events[0].EventType != "task_admitted" {
		t.Errorf("EventType = %q, want task_admitted", events[0].EventType)
	}
	if events[0].Details["tool"] != "nmap" {
		t.Errorf("Details[tool] = %v, want nmap", events[0].Details["tool"])
	}

	errEvents := readEvents(t, filepath.Join(dir, "errors.jsonl"))
	if len(errEvents) != 1 {
		t.Fatalf("error log has %d events, want 1", len(errEvents))
	}
	if errEvents[0].Category != CategoryExecutor {
		t.Errorf("Category = %q, want executor", errEvents[0].Category)
	}
}

func TestLoggerMinLevel(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer logger.Close()

	logger.SetMinLevel(LevelWarn)
	if err := logger.Debug(CategoryTask, "noise", "should be dropped", nil); err != nil {
		t.Fatalf("Debug: %v", err)
	}
	if err := logger.Info(CategoryTask, "noise", "also dropped", nil); err != nil {
		t.Fatalf("Info: %v", err)
	}
	if err := logger.Warn(CategoryTask, "kept", "kept", nil); err != nil {
		t.Fatalf("Warn: %v", err)
	}

	events := readEvents(t, filepath.Join(dir, "gateway.jsonl"))
	if len(events) != 1 {
		t.Fatalf("gateway log has %d events, want 1", len(events))
	}
	if events[0].EventType != "kept" {
		t.Errorf("EventType = %q, want kept", events[0].EventType)
	}
}

func TestNopLoggerDiscards(t *testing.T) {
	logger := NewNopLogger()
	if err := logger.Info(CategoryTask, "ignored", "nowhere", nil); err != nil {
		t.Fatalf("NopLogger.Info: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("NopLogger.Close: %v", err)
	}
}

func readEvents(t *testing.T, path string) []Event {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		events = append(events, ev)
	}
	return events
}
