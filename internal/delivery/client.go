package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"statusrelay/internal/embed"
	logx "statusrelay/pkg/logx"
)

const instrumentationName = "statusrelay/internal/delivery"

// maxResponseBody bounds how much of a response is read for rate-limit metadata.
const maxResponseBody = 64 << 10

// Client posts embed payloads to a webhook, one at a time, honoring the
// endpoint's rate-limit headers. It is safe for concurrent use; the pacing
// deadline is shared by all callers.
type Client struct {
	cfg      Config
	endpoint string
	http     *http.Client
	log     logx.Logger
	limiter *rate.Limiter

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	tracer      trace.Tracer
	attempts    metric.Int64Counter
	rateLimited metric.Int64Counter

	mu        sync.Mutex
	notBefore time.Time
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(l logx.Logger) Option { return func(c *Client) { c.log = l } }

// WithSleep replaces the context-aware sleep used between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// WithClock replaces time.Now for pacing computations.
func WithClock(fn func() time.Time) Option {
	return func(c *Client) {
		if fn != nil {
			c.now = fn
		}
	}
}

func NewClient(cfg Config, opts ...Option) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:      cfg,
		endpoint: endpoint(cfg),
		http:     &http.Client{},
		log:      logx.Nop(),
		sleep:    sleepCtx,
		now:      time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	c.log = c.log.With(logx.String("comp", "delivery"))
	if cfg.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	}

	c.tracer = otel.Tracer(instrumentationName)
	meter := otel.Meter(instrumentationName)
	if ctr, err := meter.Int64Counter("statusrelay.delivery.attempts",
		metric.WithDescription("Webhook POST attempts")); err == nil {
		c.attempts = ctr
	}
	if ctr, err := meter.Int64Counter("statusrelay.delivery.rate_limited",
		metric.WithDescription("Webhook responses rejected with 429")); err == nil {
		c.rateLimited = ctr
	}
	return c
}

func endpoint(cfg Config) string {
	if !cfg.Wait || cfg.URL == "" {
		return cfg.URL
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return cfg.URL
	}
	q := u.Query()
	q.Set("wait", "true")
	u.RawQuery = q.Encode()
	return u.String()
}

type webhookBody struct {
	Embeds []embed.Payload `json:"embeds"`
}

type messageBody struct {
	ID string `json:"id"`
}

// Deliver sends payloads strictly in order. Each payload is retried until the
// endpoint acknowledges it; a transport failure aborts the remaining payloads.
// It returns the message id of the first payload when the endpoint echoed one.
func (c *Client) Deliver(ctx context.Context, payloads []embed.Payload) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.cfg.URL == "" {
		return "", ErrNoEndpoint
	}
	var first string
	for i, p := range payloads {
		id, err := c.deliverOne(ctx, i, p)
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = id
		}
	}
	return first, nil
}

func (c *Client) deliverOne(ctx context.Context, idx int, p embed.Payload) (string, error) {
	body, err := json.Marshal(webhookBody{Embeds: []embed.Payload{p}})
	if err != nil {
		return "", fmt.Errorf("delivery: encode payload %d: %w", idx, err)
	}

	for attempt := 1; ; attempt++ {
		if c.cfg.MaxAttempts > 0 && attempt > c.cfg.MaxAttempts {
			terr := &TransportError{Payload: idx, Attempt: attempt - 1, Err: ErrAttemptsExhausted}
			c.log.Critical("payload never acknowledged", logx.Int("payload", idx), logx.Int("attempts", c.cfg.MaxAttempts))
			return "", terr
		}
		if err := c.waitTurn(ctx); err != nil {
			return "", fmt.Errorf("delivery: payload %d: %w", idx, err)
		}

		out, err := c.attempt(ctx, idx, attempt, body)
		if err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("delivery: payload %d: %w", idx, ctx.Err())
			}
			c.log.Critical("error sending payload to webhook",
				logx.Int("payload", idx), logx.Int("attempt", attempt), logx.Err(err))
			return "", &TransportError{Payload: idx, Attempt: attempt, Err: err}
		}

		if out.Delay > 0 {
			c.deferNext(out.Delay)
		}
		switch out.Kind {
		case Delivered:
			if out.Delay > 0 {
				c.log.Warn("webhook rate limit exhausted", logx.Duration("reset_in", out.Delay))
			}
			c.log.Debug("payload delivered", logx.Int("payload", idx), logx.Int("status", out.Status), logx.String("message", out.MessageID))
			return out.MessageID, nil
		case RateLimited:
			c.log.Warn("request was rate limited",
				logx.Int("payload", idx), logx.Int("attempt", attempt), logx.Duration("retry_in", out.Delay))
		default:
			c.log.Error("webhook rejected payload",
				logx.Int("payload", idx), logx.Int("attempt", attempt), logx.Int("status", out.Status), logx.Duration("retry_in", out.Delay))
		}
	}
}

// attempt performs one POST. A non-nil error is a transport failure.
func (c *Client) attempt(ctx context.Context, idx, attempt int, body []byte) (Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "delivery.send", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Int("delivery.payload_index", idx),
			attribute.Int("delivery.attempt", attempt),
		))
	defer span.End()
	if c.attempts != nil {
		c.attempts.Add(ctx, 1)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Outcome{Kind: TransportFailure}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return Outcome{Kind: TransportFailure}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read response")
		return Outcome{Kind: TransportFailure}, fmt.Errorf("read response: %w", err)
	}

	rl := parseRateLimit(resp.Header, resp.StatusCode, raw, c.now())
	out := evaluate(resp.StatusCode, rl, c.cfg.Epsilon)
	if out.Kind == Delivered && len(raw) > 0 {
		var m messageBody
		if json.Unmarshal(raw, &m) == nil {
			out.MessageID = m.ID
		}
	}

	span.SetAttributes(
		attribute.Int("http.response.status_code", resp.StatusCode),
		attribute.String("delivery.outcome", out.Kind.String()),
	)
	if rl.Scope != "" {
		span.SetAttributes(attribute.String("delivery.ratelimit_scope", rl.Scope))
	}
	if out.Kind == RateLimited && c.rateLimited != nil {
		c.rateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", rl.Scope)))
	}
	if out.Kind != Delivered {
		span.SetStatus(codes.Error, resp.Status)
	}
	c.log.Debug("webhook response", logx.Int("status", resp.StatusCode), logx.String("scope", rl.Scope))
	return out, nil
}

// deferNext pushes the shared pacing deadline out to now+d, never pulling it in.
func (c *Client) deferNext(d time.Duration) {
	at := c.now().Add(d)
	c.mu.Lock()
	if at.After(c.notBefore) {
		c.notBefore = at
	}
	c.mu.Unlock()
}

// NextSendAt reports the earliest time the next request may go out.
func (c *Client) NextSendAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notBefore
}

func (c *Client) waitTurn(ctx context.Context) error {
	c.mu.Lock()
	wait := c.notBefore.Sub(c.now())
	c.mu.Unlock()
	if wait > 0 {
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
	if c.limiter != nil {
		return c.limiter.Wait(ctx)
	}
	return ctx.Err()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
