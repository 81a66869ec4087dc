package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/topicexec/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

type sinkRecord struct {
	Level  string `json:"level"`
	Msg    string `json:"msg"`
	Stream string `json:"stream"`
}

func newTestSink() (*bytes.Buffer, func(t *testing.T) []sinkRecord) {
	var buf bytes.Buffer
	read := func(t *testing.T) []sinkRecord {
		t.Helper()
		var out []sinkRecord
		sc := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
		sc.Buffer(make([]byte, 1024*1024), 1024*1024)
		for sc.Scan() {
			var r sinkRecord
			require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
			out = append(out, r)
		}
		return out
	}
	return &buf, read
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestDispatchLogsStdoutThenStderr(t *testing.T) {
	script := writeScript(t, `
echo "err1" >&2
echo "out1"
echo "out2"
echo "out3"
`)
	buf, read := newTestSink()
	d := New(Command{Path: script}, ExitStrict)

	out, err := d.Dispatch(context.Background(), Request{List: "L"}, log.NewSinkLogger(buf, "info"))
	require.NoError(t, err)
	assert.Equal(t, 0, out.ExitCode)
	assert.Equal(t, 3, out.StdoutLines)
	assert.Equal(t, 1, out.StderrLines)
	assert.Equal(t, "err1\n", out.Stderr)

	recs := read(t)
	require.Len(t, recs, 4)
	want := []sinkRecord{
		{Level: "INFO", Msg: "Output: out1", Stream: "stdout"},
		{Level: "INFO", Msg: "Output: out2", Stream: "stdout"},
		{Level: "INFO", Msg: "Output: out3", Stream: "stdout"},
		{Level: "INFO", Msg: "Output: err1", Stream: "stderr"},
	}
	assert.Equal(t, want, recs)
}

func TestDispatchSubstitutesArguments(t *testing.T) {
	script := writeScript(t, `for a in "$@"; do echo "$a"; done`)
	buf, read := newTestSink()
	d := New(Command{
		Path: script,
		Args: []string{"-List", "{list}", "-Values", "{values}", "-Url", "{url}", "{list}:{list}"},
	}, ExitStrict)

	req := Request{List: "Orders", URL: "https://sp.example/sites/x", Values: `id="7"#c=2`}
	_, err := d.Dispatch(context.Background(), req, log.NewSinkLogger(buf, "info"))
	require.NoError(t, err)

	var lines []string
	for _, r := range read(t) {
		lines = append(lines, strings.TrimPrefix(r.Msg, "Output: "))
	}
	assert.Equal(t, []string{"-List", "Orders", "-Values", `id="7"#c=2`, "-Url", "https://sp.example/sites/x", "Orders:Orders"}, lines)
}

func TestDispatchNoOutputIsCompletion(t *testing.T) {
	script := writeScript(t, "exit 0\n")
	buf, read := newTestSink()

	out, err := New(Command{Path: script}, ExitStrict).Dispatch(context.Background(), Request{}, log.NewSinkLogger(buf, "info"))
	require.NoError(t, err)
	assert.Zero(t, out.StdoutLines)
	assert.Zero(t, out.StderrLines)
	assert.Empty(t, read(t))
}

func TestDispatchClosesStdin(t *testing.T) {
	// cat would block forever if stdin stayed open.
	script := writeScript(t, "cat\necho finished\n")
	buf, read := newTestSink()

	done := make(chan error, 1)
	go func() {
		_, err := New(Command{Path: script}, ExitStrict).Dispatch(context.Background(), Request{}, log.NewSinkLogger(buf, "info"))
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("dispatch blocked on stdin")
	}
	recs := read(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "Output: finished", recs[0].Msg)
}

func TestDispatchExitStatusModes(t *testing.T) {
	script := writeScript(t, "echo partial\nexit 3\n")

	t.Run("strict", func(t *testing.T) {
		buf, read := newTestSink()
		out, err := New(Command{Path: script}, ExitStrict).Dispatch(context.Background(), Request{}, log.NewSinkLogger(buf, "info"))
		require.Error(t, err)

		var exitErr *ExitError
		require.True(t, errors.As(err, &exitErr))
		assert.Equal(t, 3, exitErr.Code)
		assert.ErrorIs(t, err, ErrNonZeroExit)
		assert.Equal(t, 3, out.ExitCode)
		assert.Len(t, read(t), 1, "output is still logged on failure")
	})

	t.Run("compat", func(t *testing.T) {
		buf, _ := newTestSink()
		out, err := New(Command{Path: script}, ExitCompat).Dispatch(context.Background(), Request{}, log.NewSinkLogger(buf, "info"))
		require.NoError(t, err)
		assert.Equal(t, 3, out.ExitCode)
	})
}

func TestDispatchStartFailure(t *testing.T) {
	buf, _ := newTestSink()
	d := New(Command{Path: filepath.Join(t.TempDir(), "does-not-exist")}, ExitCompat)

	_, err := d.Dispatch(context.Background(), Request{}, log.NewSinkLogger(buf, "info"))
	assert.ErrorIs(t, err, ErrStart)
}

func TestDispatchTimeout(t *testing.T) {
	script := writeScript(t, "echo begin\nsleep 30\necho never\n")
	buf, read := newTestSink()
	d := New(Command{Path: script, Timeout: 500 * time.Millisecond}, ExitCompat)

	start := time.Now()
	_, err := d.Dispatch(context.Background(), Request{}, log.NewSinkLogger(buf, "info"))
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, elapsed, terminationGracePeriod+5*time.Second)

	recs := read(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "Output: begin", recs[0].Msg)
}

func TestDispatchCancelled(t *testing.T) {
	script := writeScript(t, "sleep 30\n")
	buf, _ := newTestSink()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	_, err := New(Command{Path: script}, ExitStrict).Dispatch(ctx, Request{}, log.NewSinkLogger(buf, "info"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDispatchLargeStderrIsFullyLogged(t *testing.T) {
	script := writeScript(t, "i=0\nwhile [ $i -lt 12000 ]; do echo \"stderr line $i\" >&2; i=$((i+1)); done\necho done\n")
	buf, read := newTestSink()

	out, err := New(Command{Path: script}, ExitStrict).Dispatch(context.Background(), Request{}, log.NewSinkLogger(buf, "info"))
	require.NoError(t, err)
	assert.Equal(t, 1, out.StdoutLines)
	assert.Equal(t, 12000, out.StderrLines)
	assert.LessOrEqual(t, len(out.Stderr), maxStderrBytes)

	recs := read(t)
	require.Len(t, recs, 12001)
	assert.Equal(t, "Output: done", recs[0].Msg)
	assert.Equal(t, "stdout", recs[0].Stream)
	for i, r := range recs[1:] {
		if r.Msg != fmt.Sprintf("Output: stderr line %d", i) || r.Stream != "stderr" {
			t.Fatalf("stderr record %d = %+v", i, r)
		}
	}
}

func TestDispatchCleanExitAfterCancelIsCompletion(t *testing.T) {
	// The script ignores SIGTERM and exits 0, so the run completes on its own.
	script := writeScript(t, "trap '' TERM\nsleep 0.2\necho finished\n")
	buf, read := newTestSink()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := New(Command{Path: script}, ExitStrict).Dispatch(ctx, Request{}, log.NewSinkLogger(buf, "info"))
	require.NoError(t, err)
	assert.Equal(t, 0, out.ExitCode)
	recs := read(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "Output: finished", recs[0].Msg)
}

func TestCommandBuild(t *testing.T) {
	c := Command{Args: []string{"plain", "{list}", "pre-{values}-post", "{url}", "{unknown}"}}
	got := c.Build(Request{List: "L", Values: "a=1", URL: "u"})
	assert.Equal(t, []string{"plain", "L", "pre-a=1-post", "u", "{unknown}"}, got)
}

func TestReadLinesHandlesLongLinesAndMissingNewline(t *testing.T) {
	long := strings.Repeat("x", 200*1024)
	var got []string
	err := readLines(strings.NewReader(long+"\r\nlast"), func(s string) { got = append(got, s) })
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, len(long), len(got[0]))
	assert.Equal(t, "last", got[1])
}
