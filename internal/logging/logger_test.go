package logging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"velthoric/physsync/internal/config"
)

func TestLoggerWritesStructuredLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "physsync.log")
	logger, err := New(config.LoggingConfig{Level: "info", Path: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer ReplaceGlobals(NewTestLogger())

	child := logger.With(String("component", "dispatcher"))
	child.Debug("suppressed")
	child.Warn("batch dropped", Int("entries", 3), Error(errors.New("truncated frame")))
	if err := logger.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var lines []map[string]any
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		lines = append(lines, entry)
	}
	if len(lines) != 1 {
		t.Fatalf("expected one line above the level threshold, got %d", len(lines))
	}
	entry := lines[0]
	if entry["level"] != "warn" || entry["component"] != "dispatcher" || entry["service"] != "physsync" {
		t.Fatalf("unexpected entry %#v", entry)
	}
	if entry["error"] != "truncated frame" {
		t.Fatalf("expected error message, got %#v", entry["error"])
	}
}

func TestLoggerFromContextFallsBack(t *testing.T) {
	base := NewTestLogger()
	ctx := ContextWithLogger(context.Background(), base)
	if LoggerFromContext(ctx) != base {
		t.Fatal("expected context logger")
	}
	if LoggerFromContext(context.Background()) != L() {
		t.Fatal("expected global fallback")
	}
}

func TestNewRejectsInvalidLevel(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "chatty", Path: filepath.Join(t.TempDir(), "x.log"), MaxSizeMB: 1})
	if err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func decodeLines(t *testing.T, raw []byte) []map[string]any {
	t.Helper()
	var lines []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("decode line %q: %v", scanner.Text(), err)
		}
		lines = append(lines, entry)
	}
	return lines
}

func TestSetLevelAppliesToDerivedLoggers(t *testing.T) {
	var buf bytes.Buffer
	root := NewWriterLogger(&buf, WarnLevel)
	child := root.With(String("component", "hub"))

	child.Info("hidden")
	root.SetLevel(DebugLevel)
	child.Debug("visible")

	lines := decodeLines(t, buf.Bytes())
	if len(lines) != 1 || lines[0]["message"] != "visible" || lines[0]["component"] != "hub" {
		t.Fatalf("unexpected lines %#v", lines)
	}
	if !child.Enabled(DebugLevel) {
		t.Fatal("expected debug enabled on derived logger")
	}
}

func TestReservedKeysCannotBeMasked(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, DebugLevel)
	logger.Info("real", String("message", "fake"), String("level", "error"))
	lines := decodeLines(t, buf.Bytes())
	if len(lines) != 1 || lines[0]["message"] != "real" || lines[0]["level"] != "info" {
		t.Fatalf("unexpected entry %#v", lines)
	}
}

func TestWarnEveryReportsSuppressedLines(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, DebugLevel)
	now := time.Unix(1_700_000_000, 0)
	logger.core.now = func() time.Time { return now }

	for i := 0; i < 4; i++ {
		logger.WarnEvery("send:alice", time.Second, "send failed", Int("attempt", i))
	}
	//1.- A different key has its own budget.
	logger.With(String("observer", "bob")).WarnEvery("send:bob", time.Second, "send failed")
	now = now.Add(1100 * time.Millisecond)
	logger.WarnEvery("send:alice", time.Second, "send failed", Int("attempt", 4))

	lines := decodeLines(t, buf.Bytes())
	if len(lines) != 3 {
		t.Fatalf("expected 3 admitted lines, got %d: %#v", len(lines), lines)
	}
	if _, ok := lines[0]["suppressed"]; ok {
		t.Fatalf("first line should not report suppression: %#v", lines[0])
	}
	if lines[1]["observer"] != "bob" {
		t.Fatalf("expected independent key to pass, got %#v", lines[1])
	}
	if lines[2]["suppressed"] != float64(3) || lines[2]["attempt"] != float64(4) {
		t.Fatalf("expected suppressed count of 3, got %#v", lines[2])
	}
}

func TestForgetReleasesThrottleKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, DebugLevel)
	now := time.Unix(1_700_000_000, 0)
	logger.core.now = func() time.Time { return now }

	logger.WarnEvery("send:alice", time.Minute, "send failed")
	logger.WarnEvery("send:alice", time.Minute, "send failed")
	logger.DebugEvery("inbound:alice", time.Minute, "client data dropped")
	if got := logger.core.gates.size(); got != 2 {
		t.Fatalf("expected 2 gates, got %d", got)
	}

	//1.- Derived loggers share the table, so forgetting through one clears it for all.
	logger.With(String("observer", "alice")).Forget("send:alice", "inbound:alice", "never-used")
	if got := logger.core.gates.size(); got != 0 {
		t.Fatalf("expected gates to be released, got %d", got)
	}

	logger.WarnEvery("send:alice", time.Minute, "send failed")
	lines := decodeLines(t, buf.Bytes())
	if len(lines) != 3 {
		t.Fatalf("expected a forgotten key to be admitted again, got %#v", lines)
	}
	if _, ok := lines[2]["suppressed"]; ok {
		t.Fatalf("forgotten key should not carry old suppression: %#v", lines[2])
	}
}

func TestWarnEveryRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, ErrorLevel)
	logger.WarnEvery("k", time.Second, "dropped")
	logger.DebugEvery("k", 0, "dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}
}

func TestRotatingFileRollsAndPrunes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "physsync.log")
	r, err := openRotating(config.LoggingConfig{Path: path, MaxSizeMB: 1, MaxBackups: 2, Compress: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()
	r.maxBytes = 64
	stamp := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time {
		stamp = stamp.Add(time.Second)
		return stamp
	}

	line := []byte(strings.Repeat("x", 40) + "\n")
	for i := 0; i < 5; i++ {
		if _, err := r.Write(line); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	backups, err := r.backups()
	if err != nil {
		t.Fatalf("list backups: %v", err)
	}
	if len(backups) != 2 {
		t.Fatalf("expected 2 retained backups, got %v", backups)
	}
	for _, name := range backups {
		if !strings.HasSuffix(name, ".log.gz") {
			t.Fatalf("expected compressed backup, got %s", name)
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat active file: %v", err)
	}
	if info.Size() != int64(len(line)) {
		t.Fatalf("expected active file to hold one line, got %d bytes", info.Size())
	}

	zr, err := os.Open(filepath.Join(dir, backups[0]))
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer zr.Close()
	gz, err := gzip.NewReader(zr)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	content, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if !bytes.Equal(content, line) {
		t.Fatalf("unexpected backup content %q", content)
	}
}

func TestOpenRotatingRejectsZeroSize(t *testing.T) {
	if _, err := openRotating(config.LoggingConfig{Path: filepath.Join(t.TempDir(), "x.log")}); err == nil {
		t.Fatal("expected error for zero max size")
	}
}
