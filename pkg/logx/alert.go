package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// AlertConfig forwards records at or above MinLevel to the AlertSender.
type AlertConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// AlertSender delivers one formatted record to operators.
type AlertSender interface {
	SendAlert(ctx context.Context, text string) error
}

const (
	alertQueueSize   = 256
	alertSendTimeout = 10 * time.Second
	alertMaxLen      = 3500
	alertMaxValueLen = 600
)

// Keys rendered first, in this order, so an operator sees which template
// is affected before anything else.
var alertLeadKeys = []string{"template", "rule", "key"}

// alerter is a zerolog level writer that queues matching records for a
// background sender. Logging never blocks on it: a full queue drops.
type alerter struct {
	mu       sync.Mutex
	sender   AlertSender
	limiter  *rate.Limiter
	minLevel zerolog.Level
	enabled  bool

	queue  chan string
	start  sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newAlerter(sender AlertSender) *alerter {
	return &alerter{sender: sender, queue: make(chan string, alertQueueSize)}
}

func (a *alerter) setSender(sender AlertSender) {
	a.mu.Lock()
	a.sender = sender
	a.mu.Unlock()
}

// configure applies cfg and starts the sender goroutine on first enable.
func (a *alerter) configure(cfg AlertConfig) bool {
	rps := cfg.RatePerSec
	if rps < 1 {
		rps = 1
	}
	a.mu.Lock()
	a.enabled = cfg.Enabled
	a.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	a.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	a.mu.Unlock()
	if !cfg.Enabled {
		return false
	}
	a.start.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		a.mu.Lock()
		a.cancel = cancel
		a.mu.Unlock()
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.run(ctx)
		}()
	})
	return true
}

func (a *alerter) stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		a.wg.Wait()
	}
}

func (a *alerter) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-a.queue:
			a.mu.Lock()
			sender := a.sender
			a.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, alertSendTimeout)
			_ = sender.SendAlert(sctx, text)
			cancel()
		}
	}
}

func (a *alerter) Write(p []byte) (int, error) { return a.WriteLevel(zerolog.NoLevel, p) }

func (a *alerter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	ok := a.enabled && a.sender != nil && level != zerolog.NoLevel && level >= a.minLevel && a.limiter.Allow()
	a.mu.Unlock()
	if !ok {
		return len(p), nil
	}
	if text := formatAlert(p); text != "" {
		select {
		case a.queue <- text:
		default:
		}
	}
	return len(p), nil
}

// formatAlert renders a JSON record as "[LEVEL] comp: message" followed by
// one "- key=value" line per field. Timestamps and callers are dropped.
func formatAlert(p []byte) string {
	p = bytes.TrimSpace(p)
	var rec map[string]any
	if err := json.Unmarshal(p, &rec); err != nil {
		return clip(string(p), alertMaxLen)
	}
	take := func(k string) string {
		v, _ := rec[k].(string)
		delete(rec, k)
		return v
	}
	level := take(zerolog.LevelFieldName)
	msg := take(zerolog.MessageFieldName)
	comp := take("comp")
	delete(rec, zerolog.TimestampFieldName)
	delete(rec, zerolog.CallerFieldName)
	stack, _ := rec["stack"].(string)
	delete(rec, "stack")

	var b strings.Builder
	if level != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(level))
	}
	if comp != "" {
		b.WriteString(comp + ": ")
	}
	b.WriteString(msg)

	line := func(k string, v any) {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(v), alertMaxValueLen))
	}
	for _, k := range alertLeadKeys {
		if v, ok := rec[k]; ok {
			line(k, v)
			delete(rec, k)
		}
	}
	rest := make([]string, 0, len(rec))
	for k := range rec {
		rest = append(rest, k)
	}
	sort.Strings(rest)
	for _, k := range rest {
		line(k, rec[k])
	}
	if stack != "" {
		b.WriteString("\n- stack=\n" + clip(stack, 900))
	}
	return clip(b.String(), alertMaxLen)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
