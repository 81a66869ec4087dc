package log

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestSetup(t *testing.T) {
	logger = nil
	once = *new(sync.Once)

	Setup("DEBUG")
	if logger == nil {
		t.Fatal("Logger should not be nil")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
		"Warning": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))

	WithComponent("test-comp").Info("hello")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	if out["component"] != "test-comp" {
		t.Errorf("Expected component 'test-comp', got %v", out["component"])
	}
	if out["msg"] != "hello" {
		t.Errorf("Expected msg 'hello', got %v", out["msg"])
	}
}

func TestWithConnection(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))

	WithConnection("Orders").Info("arrived")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	if out["connection"] != "Orders" {
		t.Errorf("Expected connection 'Orders', got %v", out["connection"])
	}
}

func TestOpenSinkAppends(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	first, err := OpenSink(dir, "Orders", "info")
	if err != nil {
		t.Fatalf("OpenSink: %v", err)
	}
	first.Logger.Info("one")
	first.Logger.Debug("filtered")
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := OpenSink(dir, "Orders", "info")
	if err != nil {
		t.Fatalf("OpenSink again: %v", err)
	}
	second.Logger.Info("two")
	_ = second.Close()

	if second.Path != filepath.Join(dir, "Orders.log") {
		t.Fatalf("unexpected sink path %q", second.Path)
	}

	f, err := os.Open(second.Path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	var msgs []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("decode line %q: %v", sc.Text(), err)
		}
		if rec["connection"] != "Orders" {
			t.Errorf("expected connection field, got %v", rec)
		}
		msgs = append(msgs, rec["msg"].(string))
	}
	if len(msgs) != 2 || msgs[0] != "one" || msgs[1] != "two" {
		t.Fatalf("unexpected sink contents: %v", msgs)
	}
}

func TestOpenSinkRejectsPathNames(t *testing.T) {
	if _, err := OpenSink(t.TempDir(), "../escape", "info"); err == nil {
		t.Fatal("expected error for name with separator")
	}
	if _, err := OpenSink(t.TempDir(), "", "info"); err == nil {
		t.Fatal("expected error for empty name")
	}
}
