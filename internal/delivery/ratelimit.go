package delivery

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RateLimit is the rate-limit metadata carried by a webhook response.
type RateLimit struct {
	Remaining    int
	HasRemaining bool
	ResetAfter   time.Duration
	Scope        string
	// RetryAfter comes from a 429 body, or the Retry-After header as a fallback.
	RetryAfter time.Duration
}

// Exhausted reports a bucket with no requests left.
func (r RateLimit) Exhausted() bool { return r.HasRemaining && r.Remaining <= 0 }

func parseRateLimit(h http.Header, status int, body []byte, now time.Time) RateLimit {
	var rl RateLimit
	if n, ok := parseHeaderInt(h, "X-RateLimit-Remaining"); ok {
		rl.Remaining, rl.HasRemaining = n, true
	}
	if d, ok := parseSeconds(h.Get("X-RateLimit-Reset-After")); ok {
		rl.ResetAfter = d
	}
	rl.Scope = strings.TrimSpace(h.Get("X-RateLimit-Scope"))

	if status == http.StatusTooManyRequests {
		var b struct {
			RetryAfter *float64 `json:"retry_after"`
		}
		if json.Unmarshal(body, &b) == nil && b.RetryAfter != nil && *b.RetryAfter > 0 {
			rl.RetryAfter = seconds(*b.RetryAfter)
		} else if d, ok := parseRetryAfterHeader(h.Get("Retry-After"), now); ok {
			rl.RetryAfter = d
		}
	}
	return rl
}

// evaluate maps a response to an outcome and the delay before the next send.
func evaluate(status int, rl RateLimit, epsilon time.Duration) Outcome {
	switch {
	case status >= 200 && status < 300:
		o := Outcome{Kind: Delivered, Status: status}
		if rl.Exhausted() {
			o.Delay = rl.ResetAfter + epsilon
		}
		return o
	case status == http.StatusTooManyRequests:
		return Outcome{Kind: RateLimited, Status: status, Delay: max(rl.RetryAfter, rl.ResetAfter) + epsilon}
	default:
		return Outcome{Kind: Rejected, Status: status, Delay: rl.ResetAfter + epsilon}
	}
}

func parseHeaderInt(h http.Header, key string) (int, bool) {
	v := strings.TrimSpace(h.Get(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseSeconds(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return seconds(f), true
}

func parseRetryAfterHeader(v string, now time.Time) (time.Duration, bool) {
	if d, ok := parseSeconds(v); ok {
		return d, d > 0
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	for _, layout := range []string{http.TimeFormat, time.RFC1123, time.RFC1123Z} {
		if at, err := time.Parse(layout, v); err == nil {
			if at.After(now) {
				return at.Sub(now), true
			}
			return 0, false
		}
	}
	return 0, false
}

func seconds(f float64) time.Duration {
	return time.Duration(math.Round(f * float64(time.Second)))
}
