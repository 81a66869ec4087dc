//go:build unix

package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireWritesPID(t *testing.T) {
	t.Parallel()

	path := PathFor(filepath.Join(t.TempDir(), "run"), "topicexec")
	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	pid, err := Holder(path)
	if err != nil {
		t.Fatalf("Holder: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("pid = %d, want %d", pid, os.Getpid())
	}
}

func TestAcquireHeld(t *testing.T) {
	t.Parallel()

	path := PathFor(t.TempDir(), "")
	first, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// flock locks belong to the open file description, so a second open conflicts.
	if _, err := Acquire(path); !errors.Is(err, ErrHeld) {
		t.Fatalf("second Acquire error = %v, want ErrHeld", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	again, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	_ = again.Release()
	_ = again.Release()
}

func TestPathFor(t *testing.T) {
	if got := PathFor("/var/run", "bridge"); got != "/var/run/bridge.lock" {
		t.Fatalf("PathFor = %q", got)
	}
	if got := PathFor("/var/run", ""); got != "/var/run/topicexec.lock" {
		t.Fatalf("PathFor default = %q", got)
	}
}
