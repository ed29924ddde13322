package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"relay-sync/internal/config"
	"relay-sync/internal/firmware"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		l := newLogger(config.LogConfig{Level: tt.level, Format: "json"})
		if !l.Enabled(context.Background(), tt.want) {
			t.Errorf("%q: level %v disabled", tt.level, tt.want)
		}
		if tt.want > slog.LevelDebug && l.Enabled(context.Background(), tt.want-4) {
			t.Errorf("%q: level below %v enabled", tt.level, tt.want)
		}
	}
}

func TestHolidayCalendar(t *testing.T) {
	cal, closeFn, err := newHolidayCalendar(config.ScheduleConfig{}, quietLogger())
	if err != nil || cal != nil {
		t.Fatalf("empty config: cal = %v err = %v", cal, err)
	}
	closeFn()

	script := filepath.Join(t.TempDir(), "holidays.lua")
	if err := os.WriteFile(script, []byte(`function is_holiday(y, m, d, wd) return wd == 0 end`), 0o600); err != nil {
		t.Fatal(err)
	}
	cal, closeFn, err = newHolidayCalendar(config.ScheduleConfig{
		Holidays:      []string{"12-25"},
		HolidayScript: script,
	}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()

	tests := []struct {
		day  time.Time
		want bool
	}{
		{time.Date(2026, 12, 25, 9, 0, 0, 0, time.UTC), true},
		{time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), true}, // Sunday
		{time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		got, err := cal.IsHoliday(context.Background(), tt.day)
		if err != nil || got != tt.want {
			t.Errorf("%s: got %v, %v", tt.day.Format("2006-01-02"), got, err)
		}
	}

	if _, _, err := newHolidayCalendar(config.ScheduleConfig{Holidays: []string{"Christmas"}}, quietLogger()); err == nil {
		t.Error("expected error for malformed holiday")
	}
}

func TestOpenPinsMemory(t *testing.T) {
	pins, err := openPins(config.NodeConfig{HAL: "memory"}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := pins.(*firmware.MemoryPins); !ok {
		t.Errorf("pins = %T", pins)
	}
	if _, err := openPins(config.NodeConfig{HAL: "spi"}, quietLogger()); err == nil {
		t.Error("expected error for unknown hal")
	}
}
