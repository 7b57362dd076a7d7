package utils

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func newTestLogger(t *testing.T, level LogLevel, format LogFormat) (*StructuredLogger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := NewStructuredLogger(&StructuredLoggerConfig{
		Level:  level,
		Output: &buf,
		Format: format,
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return logger, &buf
}

func TestNewStructuredLogger(t *testing.T) {
	logger, _ := newTestLogger(t, DEBUG, FormatText)
	if logger.GetLevel() != DEBUG {
		t.Errorf("Expected DEBUG level, got %v", logger.GetLevel())
	}

	if _, err := NewStructuredLogger(&StructuredLoggerConfig{}); err == nil {
		t.Error("expected error for nil output")
	}
}

func TestLogLevels(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)

	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("Debug message was logged when level is INFO")
	}

	logger.Info("info message")
	if !strings.Contains(buf.String(), "info message") {
		t.Error("Info message content not found in output")
	}
	if !strings.Contains(buf.String(), "[INFO]") {
		t.Error("level tag missing")
	}
}

func TestStructuredFieldsSorted(t *testing.T) {
	logger, buf := newTestLogger(t, DEBUG, FormatText)

	logger.WithComponent("quic.cc").Debug("state change", Fields{
		"new":  "recovery",
		"cwnd": 6000,
		"err":  errors.New("boom"),
	})

	out := buf.String()
	if !strings.Contains(out, "{component=quic.cc, cwnd=6000, err=boom, new=recovery}") {
		t.Errorf("unexpected field rendering: %s", out)
	}
}

func TestWithFieldsDoesNotMutateParent(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)

	child := logger.WithField("segment", 7)
	logger.Info("parent")
	if strings.Contains(buf.String(), "segment") {
		t.Error("parent logger inherited child field")
	}

	buf.Reset()
	child.Info("child")
	if !strings.Contains(buf.String(), "segment=7") {
		t.Errorf("child field missing: %s", buf.String())
	}
}

func TestJSONFormat(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatJSON)

	logger.Warn("buffer full", Fields{"offset": 4096})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid json output: %v", err)
	}
	if entry.Level != "WARN" || entry.Message != "buffer full" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.Fields["offset"] != float64(4096) {
		t.Errorf("offset field = %v", entry.Fields["offset"])
	}
}

func TestComponentLevels(t *testing.T) {
	logger, buf := newTestLogger(t, WARN, FormatText)
	logger.SetComponentLevel("buffer", DEBUG)

	logger.WithComponent("buffer").Debug("visible")
	logger.WithComponent("event").Debug("hidden")

	out := buf.String()
	if !strings.Contains(out, "visible") {
		t.Error("component-level override not applied")
	}
	if strings.Contains(out, "hidden") {
		t.Error("global level not applied to other components")
	}
}

func TestLevelsSharedWithDerivedLoggers(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewStructuredLogger(&StructuredLoggerConfig{
		Level:           WARN,
		Output:          &buf,
		ComponentLevels: map[string]LogLevel{"quic.cc": DEBUG},
	})
	if err != nil {
		t.Fatal(err)
	}
	cc := logger.WithComponent("quic.cc")
	seg := logger.WithComponent("cache.segment").WithField("key", "/a")

	cc.Debug("cc debug")
	seg.Info("segment info")
	if !strings.Contains(buf.String(), "cc debug") {
		t.Error("configured component level not applied")
	}
	if strings.Contains(buf.String(), "segment info") {
		t.Error("segment logger should follow the global WARN level")
	}

	buf.Reset()
	logger.SetLevel(INFO)
	seg.Info("segment info")
	if !strings.Contains(buf.String(), "segment info") {
		t.Error("SetLevel on the root did not reach a derived logger")
	}
	if seg.GetLevel() != INFO {
		t.Errorf("derived GetLevel() = %v, want INFO", seg.GetLevel())
	}
}

func TestFormatfMethods(t *testing.T) {
	logger, buf := newTestLogger(t, DEBUG, FormatText)
	logger.Debugf("retry %d of %d", 2, 5)
	if !strings.Contains(buf.String(), "retry 2 of 5") {
		t.Errorf("Debugf output: %s", buf.String())
	}
}

func TestCaller(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewStructuredLogger(&StructuredLoggerConfig{
		Level:         INFO,
		Output:        &buf,
		IncludeCaller: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("where")
	if !strings.Contains(buf.String(), "structured_logger_test.go:") {
		t.Errorf("caller not reported: %s", buf.String())
	}
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	if logger.Enabled(FATAL) {
		t.Error("NopLogger should discard every level")
	}
	logger.WithComponent("x").Error("ignored")
}

func TestParseLogFormat(t *testing.T) {
	if f, err := ParseLogFormat("JSON"); err != nil || f != FormatJSON {
		t.Errorf("ParseLogFormat(JSON) = %v, %v", f, err)
	}
	if _, err := ParseLogFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}
