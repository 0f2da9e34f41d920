package util

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, 0, func() error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRetryPolicyLinearBackoff(t *testing.T) {
	var waits []time.Duration
	p := RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   5 * time.Second,
		Sleep: func(_ context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		},
	}

	n, err := p.Do(context.Background(), func(int) error { return errors.New("429") })
	if err == nil {
		t.Fatal("Do should fail when every attempt fails")
	}
	if n != 4 {
		t.Errorf("attempts = %d, want 4", n)
	}
	want := []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second}
	if len(waits) != len(want) {
		t.Fatalf("waits = %v, want %v", waits, want)
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Errorf("wait %d = %v, want %v", i, waits[i], want[i])
		}
	}
}

func TestRetryPolicyStopsOnPermanent(t *testing.T) {
	permanent := errors.New("404")
	calls := 0
	p := RetryPolicy{
		MaxAttempts: 5,
		Retryable:   func(err error) bool { return !errors.Is(err, permanent) },
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
	n, err := p.Do(context.Background(), func(int) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || n != 1 || calls != 1 {
		t.Errorf("n=%d calls=%d err=%v, want a single attempt", n, calls, err)
	}
}

func TestRetryPolicyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour}.Do(ctx, func(int) error {
		return errors.New("boom")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestPacer(t *testing.T) {
	p := NewPacer(0)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		if err := p.Wait(ctx); err != nil {
			t.Fatalf("unpaced Wait: %v", err)
		}
	}

	p = NewPacer(30 * time.Millisecond)
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := p.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("3 paced calls took %v, want >= ~60ms", elapsed)
	}
}

func TestDateRange(t *testing.T) {
	start := time.Date(2025, 11, 29, 15, 0, 0, 0, time.UTC)
	end := time.Date(2025, 12, 2, 1, 0, 0, 0, time.UTC)

	got := DateRange(start, end)
	if len(got) != 4 {
		t.Fatalf("DateRange len = %d, want 4", len(got))
	}
	if got[0].Day() != 29 || got[3].Day() != 2 || got[3].Hour() != 0 {
		t.Errorf("DateRange = %v", got)
	}
	if DateRange(end, start) != nil {
		t.Error("reversed range should be nil")
	}
	if DaysBetween(start, end) != 3 {
		t.Errorf("DaysBetween = %d, want 3", DaysBetween(start, end))
	}
	now := time.Date(2025, 12, 6, 0, 5, 0, 0, time.UTC)
	if Yesterday(now).Day() != 5 || Today(now).Day() != 6 {
		t.Errorf("Yesterday/Today = %v/%v", Yesterday(now), Today(now))
	}
}

func TestNewLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coinsnap.log")
	logger, closer := NewLogger(LogOptions{Level: "debug", Format: "json", File: path, MaxSizeMB: 1})
	logger.Debug("hello", "run_id", "abc")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), `"run_id":"abc"`) {
		t.Errorf("log file = %q", data)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug, "INFO": slog.LevelInfo, "warn": slog.LevelWarn,
		"error": slog.LevelError, "bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}

	var buf bytes.Buffer
	h := newHandler(&buf, LogOptions{Level: "warn"})
	slog.New(h).Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info written at warn level: %q", buf.String())
	}
}
