package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "taskdist/pkg/logx"
)

func TestParseSpec(t *testing.T) {
	tests := []struct {
		spec string
		ok   bool
	}{
		{"", true},
		{"*/5 * * * *", true},
		{"0 */5 * * * *", true},
		{"@every 30s", true},
		{"@hourly", true},
		{"45s", true},
		{"0s", false},
		{"-1m", false},
		{"not a spec", false},
	}
	for _, tt := range tests {
		_, err := ParseSpec(tt.spec)
		if (err == nil) != tt.ok {
			t.Fatalf("ParseSpec(%q) err = %v, want ok=%v", tt.spec, err, tt.ok)
		}
	}
}

func TestParseSpecEveryDuration(t *testing.T) {
	sched, err := ParseSpec("90s")
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	base := time.Date(2025, 6, 16, 10, 0, 0, 0, time.UTC)
	if got, want := sched.Next(base), base.Add(90*time.Second); !got.Equal(want) {
		t.Fatalf("next = %v, want %v", got, want)
	}
}

func TestFireSkipsOverlap(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var calls atomic.Int32
	s := New(Config{}, func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return nil
	}, logx.Nop())

	done := make(chan error, 1)
	go func() { done <- s.Fire(context.Background()) }()
	<-started

	if err := s.Fire(context.Background()); !errors.Is(err, ErrSkipped) {
		t.Fatalf("second Fire err = %v, want ErrSkipped", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Fire: %v", err)
	}

	snap := s.Snapshot()
	if snap.Runs != 1 || snap.Skipped != 1 {
		t.Fatalf("runs=%d skipped=%d, want 1/1", snap.Runs, snap.Skipped)
	}
}

func TestFireRecordsFailure(t *testing.T) {
	boom := errors.New("boom")
	s := New(Config{Timeout: time.Second}, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Errorf("tick ctx has no deadline")
		}
		return boom
	}, logx.Nop())

	if err := s.Fire(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Fire err = %v, want boom", err)
	}
	snap := s.Snapshot()
	if snap.Failed != 1 || snap.LastError != "boom" {
		t.Fatalf("failed=%d lastErr=%q, want 1/boom", snap.Failed, snap.LastError)
	}
}

func TestStartRunsOnStartAndStops(t *testing.T) {
	ticked := make(chan struct{}, 4)
	s := New(Config{Enabled: true, Spec: "@every 1h", Timezone: "UTC", RunOnStart: true}, func(context.Context) error {
		ticked <- struct{}{}
		return nil
	}, logx.Nop())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-ticked:
	case <-time.After(2 * time.Second):
		t.Fatalf("run-on-start tick did not fire")
	}
	snap := s.Snapshot()
	if snap.Next.IsZero() || snap.Timezone != "UTC" {
		t.Fatalf("snapshot next=%v tz=%q, want scheduled in UTC", snap.Next, snap.Timezone)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if got := s.Snapshot().Next; !got.IsZero() {
		t.Fatalf("next after stop = %v, want zero", got)
	}
}

func TestDisabledStartIsNoop(t *testing.T) {
	s := New(Config{Spec: "bogus"}, func(context.Context) error { return nil }, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.Snapshot().Next.IsZero() {
		t.Fatalf("disabled scheduler has a next run")
	}
}

func TestApplyRejectsBadSpecAndRestarts(t *testing.T) {
	s := New(Config{Enabled: true, Spec: "@every 1h"}, func(context.Context) error { return nil }, logx.Nop())
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(ctx)

	if err := s.Apply(ctx, Config{Enabled: true, Spec: "nope"}); err == nil {
		t.Fatalf("Apply accepted an invalid spec")
	}
	if got := s.Snapshot().Spec; got != "@every 1h" {
		t.Fatalf("spec after rejected apply = %q, want @every 1h", got)
	}
	if err := s.Apply(ctx, Config{Enabled: true, Spec: "@every 2h", Timezone: "UTC"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	snap := s.Snapshot()
	if snap.Spec != "@every 2h" || snap.Next.IsZero() {
		t.Fatalf("after apply spec=%q next=%v, want restarted @every 2h", snap.Spec, snap.Next)
	}
}
