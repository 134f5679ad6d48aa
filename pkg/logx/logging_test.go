package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingSender) SendAlert(_ context.Context, text string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func TestAlertSinkForwardsAboveMinLevel(t *testing.T) {
	sender := &recordingSender{}
	svc, log := New(Config{
		Level: "debug",
		Alert: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100},
	}, nil)
	defer svc.Close()
	svc.SetAlertSender(sender)

	log.Info("routine")
	log.Warn("template halted", String("template", "tpl-1"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sender.snapshot()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	msgs := sender.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("alerts = %d, want 1: %v", len(msgs), msgs)
	}
	if !strings.Contains(msgs[0], "[WARN] template halted") || !strings.Contains(msgs[0], "template=tpl-1") {
		t.Fatalf("unexpected alert text: %q", msgs[0])
	}
}

func TestFormatAlert(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		line string
		want string
	}{
		{
			name: "lead keys first",
			line: `{"level":"error","comp":"distribution","message":"boom","b":"2","a":"1","template":"t1","caller":"x.go:1","time":"x"}`,
			want: "[ERROR] distribution: boom\n- template=t1\n- a=1\n- b=2",
		},
		{
			name: "no comp",
			line: `{"level":"warn","message":"slow tick","dur":1500}`,
			want: "[WARN] slow tick\n- dur=1500",
		},
		{
			name: "not json",
			line: "  plain text \n",
			want: "plain text",
		},
	}
	for _, tt := range tests {
		if got := formatAlert([]byte(tt.line)); got != tt.want {
			t.Fatalf("%s: formatAlert = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{" WARNING ", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, LevelInfo); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("ignored", Int("n", 1))
	if Nop().IsZero() {
		t.Fatal("Nop logger should not be zero")
	}
}
