package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"crosspost/internal/joberr"
	logx "crosspost/pkg/logx"
)

// ClientConfig tunes the HTTP client shared by one provider's calls.
type ClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int

	// Breaker opens after BreakerFailures failures within the last
	// BreakerWindow calls and stays open for BreakerDelay.
	BreakerFailures uint
	BreakerWindow   uint
	BreakerDelay    time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.BreakerWindow == 0 {
		c.BreakerWindow = 10
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerFailures > c.BreakerWindow {
		c.BreakerFailures = c.BreakerWindow
	}
	if c.BreakerDelay <= 0 {
		c.BreakerDelay = 30 * time.Second
	}
	return c
}

// Client wraps resty with a per-provider rate limiter and circuit breaker and
// maps HTTP outcomes onto the job error taxonomy.
type Client struct {
	name    string
	http    *resty.Client
	cb      circuitbreaker.CircuitBreaker[*resty.Response]
	limiter *rate.Limiter
	log     logx.Logger
}

func NewClient(name string, cfg ClientConfig, log logx.Logger) *Client {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("provider", name))

	lim := rate.NewLimiter(rate.Inf, cfg.Burst)
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	}

	cb := circuitbreaker.NewBuilder[*resty.Response]().
		WithFailureThresholdRatio(cfg.BreakerFailures, cfg.BreakerWindow).
		WithDelay(cfg.BreakerDelay).
		WithSuccessThreshold(1).
		HandleIf(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp != nil && resp.StatusCode() >= 500
		}).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			log.Warn("circuit breaker state change",
				logx.String("from", fmt.Sprint(e.OldState)),
				logx.String("to", fmt.Sprint(e.NewState)))
		}).
		Build()

	hc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", "crosspost/1.0")

	return &Client{name: name, http: hc, cb: cb, limiter: lim, log: log}
}

// R starts a request bound to ctx.
func (c *Client) R(ctx context.Context) *resty.Request {
	return c.http.R().SetContext(ctx)
}

// Do runs one request through the limiter and breaker. Non-2xx responses are
// returned together with a *joberr.Error.
func (c *Client) Do(ctx context.Context, send func() (*resty.Response, error)) (*resty.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, joberr.Wrap(joberr.ServiceError, err, c.name+": rate limit wait")
	}
	resp, err := failsafe.With[*resty.Response](c.cb).WithContext(ctx).Get(send)
	if err := c.classify(resp, err); err != nil {
		return resp, err
	}
	return resp, nil
}

func (c *Client) classify(resp *resty.Response, err error) error {
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return joberr.Wrap(joberr.ServiceError, err, c.name+": circuit open")
		}
		return joberr.Wrap(joberr.ServiceError, err, fmt.Sprintf("%s: request failed: %v", c.name, err))
	}
	if resp == nil {
		return joberr.New(joberr.ServiceError, "%s: empty response", c.name)
	}
	code := resp.StatusCode()
	if code >= 200 && code < 300 {
		return nil
	}
	msg := fmt.Sprintf("%s: HTTP %d: %s", c.name, code, snippet(resp.Body()))
	switch {
	case code == http.StatusUnauthorized:
		return joberr.New(joberr.TokenExpired, "%s", msg)
	case isGraphTokenError(resp.Body()):
		return joberr.New(joberr.TokenExpired, "%s", msg)
	case code == http.StatusTooManyRequests:
		return joberr.New(joberr.ServiceError, "%s", msg).WithRetryAfter(parseRetryAfter(resp.Header().Get("Retry-After"), time.Now()))
	default:
		return joberr.New(joberr.ServiceError, "%s", msg)
	}
}

// isGraphTokenError matches the Graph API OAuthException for an invalid or
// expired access token (code 190).
func isGraphTokenError(body []byte) bool {
	var e struct {
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if len(body) == 0 || json.Unmarshal(body, &e) != nil {
		return false
	}
	return e.Error.Code == 190
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(max(secs, 0)) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(t.Sub(now), 0)
	}
	return 0
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	const n = 300
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
