package chronicle_test

import (
	"testing"

	"github.com/go-estoria/chronicle"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewZapLogger(t *testing.T) {
	for _, tt := range []struct {
		name    string
		level   string
		format  string
		wantErr bool
	}{
		{name: "json info", level: "info", format: "json"},
		{name: "console debug", level: "DEBUG", format: "console"},
		{name: "default format", level: "warn"},
		{name: "bad level", level: "loud", format: "json", wantErr: true},
		{name: "bad format", level: "info", format: "xml", wantErr: true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := chronicle.NewZapLogger(tt.level, tt.format)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}

				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestZapLogger_Fields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := chronicle.FromZap(zap.New(core)).With("component", "test")

	log.Debug("debug line", "n", 1)
	log.Info("info line")
	log.Warn("warn line")
	log.Error("error line", "key", "value")

	entries := logs.All()
	if len(entries) != 4 {
		t.Fatalf("unexpected entry count: wanted 4 got %d", len(entries))
	}

	wantLevels := []zapcore.Level{zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel}
	for i, entry := range entries {
		if entry.Level != wantLevels[i] {
			t.Errorf("unexpected level for %q: wanted %s got %s", entry.Message, wantLevels[i], entry.Level)
		}

		if got := entry.ContextMap()["component"]; got != "test" {
			t.Errorf("unexpected component field on %q: %v", entry.Message, got)
		}
	}

	if got := entries[3].ContextMap()["key"]; got != "value" {
		t.Errorf("unexpected key field: wanted value got %v", got)
	}
}

func TestSetLogger(t *testing.T) {
	previous := chronicle.GetLogger()
	t.Cleanup(func() { chronicle.SetLogger(previous) })

	core, logs := observer.New(zapcore.InfoLevel)
	chronicle.SetLogger(chronicle.FromZap(zap.New(core)))

	chronicle.GetLogger().Info("hello")

	if logs.Len() != 1 {
		t.Errorf("unexpected entry count: wanted 1 got %d", logs.Len())
	}

	chronicle.SetLogger(chronicle.NopLogger())
	chronicle.GetLogger().Info("dropped")

	if logs.Len() != 1 {
		t.Errorf("nop logger wrote an entry")
	}
}
