package engine

import (
	"sync"
	"time"
)

// breaker tracks consecutive failed jobs per template key.
type breaker struct {
	mu   sync.Mutex
	keys map[string]*streak
}

type streak struct {
	fails int
	last  time.Time
	until time.Time
}

// cooling reports whether key is refused at now, and until when.
func (b *breaker) cooling(cfg Config, key string, now time.Time) (time.Time, bool) {
	if cfg.TripAfter < 0 {
		return time.Time{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.keys[key]
	if st == nil || st.forgotten(cfg, now) {
		return time.Time{}, false
	}
	return st.until, now.Before(st.until)
}

func (b *breaker) record(cfg Config, key string, now time.Time, err error) {
	if cfg.TripAfter < 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.keys, key)
		return
	}
	if b.keys == nil {
		b.keys = make(map[string]*streak)
	}
	st := b.keys[key]
	if st == nil || st.forgotten(cfg, now) {
		st = &streak{}
		b.keys[key] = st
	}
	st.fails++
	st.last = now
	if st.fails < cfg.TripAfter {
		return
	}
	d := cfg.Cooldown
	for i := cfg.TripAfter; i < st.fails && d < cfg.MaxCooldown; i++ {
		d *= 2
	}
	if d > cfg.MaxCooldown {
		d = cfg.MaxCooldown
	}
	st.until = now.Add(d)
}

func (b *breaker) reset(key string) {
	b.mu.Lock()
	delete(b.keys, key)
	b.mu.Unlock()
}

func (st *streak) forgotten(cfg Config, now time.Time) bool {
	return !st.last.IsZero() && now.Sub(st.last) > cfg.ForgetAfter
}
