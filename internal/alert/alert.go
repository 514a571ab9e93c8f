// Package alert turns pipeline events that need a human into chat messages:
// accounts that must be reconnected and jobs that were given up on.
package alert

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"crosspost/internal/eventbus"
	logx "crosspost/pkg/logx"
)

type Sender interface {
	SendText(ctx context.Context, text string) error
}

type Config struct {
	Enabled     bool
	RatePerSec  int
	RetryMax    int
	RetryBase   time.Duration
	DedupWindow time.Duration
	// Buffer is the event bus subscription size.
	Buffer int
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.Buffer <= 0 {
		c.Buffer = 128
	}
	return c
}

type Notifier struct {
	sender Sender
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	dedup   map[string]time.Time
	sent    uint64
	dropped uint64
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	n := &Notifier{
		sender: sender,
		bus:    bus,
		log:    log.With(logx.String("comp", "alert")),
		now:    time.Now,
		dedup:  map[string]time.Time{},
	}
	n.Apply(cfg)
	return n
}

func (n *Notifier) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	n.mu.Lock()
	n.cfg = cfg
	n.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	n.mu.Unlock()
}

// Run forwards alerting events until ctx ends.
func (n *Notifier) Run(ctx context.Context) error {
	n.mu.Lock()
	buf := n.cfg.Buffer
	n.mu.Unlock()
	ch, unsub := n.bus.Subscribe(buf)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			n.Handle(ctx, e)
		}
	}
}

// Handle sends the alert for e, if it is one worth sending.
func (n *Notifier) Handle(ctx context.Context, e eventbus.Event) {
	key, text := Format(e)
	if text == "" {
		return
	}
	n.mu.Lock()
	cfg := n.cfg
	lim := n.limiter
	n.mu.Unlock()
	if !cfg.Enabled || n.sender == nil {
		return
	}
	if n.suppressed(key, cfg.DedupWindow) {
		n.log.Debug("alert suppressed", logx.String("key", key))
		return
	}
	if err := lim.Wait(ctx); err != nil {
		return
	}

	var err error
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		if attempt > 0 {
			wait := cfg.RetryBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
		if err = n.sender.SendText(ctx, text); err == nil {
			n.mu.Lock()
			n.sent++
			n.mu.Unlock()
			return
		}
	}
	n.mu.Lock()
	n.dropped++
	delete(n.dedup, key)
	n.mu.Unlock()
	n.log.Warn("alert send failed", logx.String("key", key), logx.Err(err))
}

func (n *Notifier) suppressed(key string, window time.Duration) bool {
	if window <= 0 {
		return false
	}
	now := n.now()
	n.mu.Lock()
	defer n.mu.Unlock()
	if until, ok := n.dedup[key]; ok && now.Before(until) {
		return true
	}
	n.dedup[key] = now.Add(window)
	if len(n.dedup) > 1024 {
		for k, until := range n.dedup {
			if !now.Before(until) {
				delete(n.dedup, k)
			}
		}
	}
	return false
}

type Stats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

func (n *Notifier) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Stats{Sent: n.sent, Dropped: n.dropped}
}

// Format renders e as a dedup key and a message. Events that need no human
// return an empty text.
func Format(e eventbus.Event) (key, text string) {
	switch e.Type {
	case eventbus.AccountReauth:
		a, ok := e.Data.(eventbus.AccountEvent)
		if !ok {
			return "", ""
		}
		var b strings.Builder
		fmt.Fprintf(&b, "[REAUTH] %s account %s needs to be reconnected\nstatus=%s", a.Platform, a.AccountID, a.Status)
		if a.Reason != "" {
			fmt.Fprintf(&b, "\nreason=%s", a.Reason)
		}
		return "reauth:" + a.AccountID, b.String()

	case eventbus.JobFailed, eventbus.JobStalled:
		j, ok := e.Data.(eventbus.JobEvent)
		if !ok {
			return "", ""
		}
		label := "FAILED"
		if e.Type == eventbus.JobStalled {
			label = "STALLED"
		}
		var b strings.Builder
		fmt.Fprintf(&b, "[%s] %s post %s gave up after %d attempts", label, j.Platform, j.PostID, j.Attempts)
		if j.Kind != "" {
			fmt.Fprintf(&b, "\nkind=%s", j.Kind)
		}
		if j.Error != "" {
			fmt.Fprintf(&b, "\nerror=%s", truncate(j.Error, 500))
		}
		return e.Type + ":" + j.JobID, b.String()
	}
	return "", ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
