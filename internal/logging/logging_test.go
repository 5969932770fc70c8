package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevels(t *testing.T) {
	log, err := NewLogger("debug")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer log.Sync()

	if !log.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug enabled at level debug")
	}

	log, err = NewLogger("warn")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer log.Sync()

	if log.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("expected info disabled at level warn")
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger("chatty"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
