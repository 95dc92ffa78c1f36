package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "statusrelay/pkg/logx"
)

// FailureSink reports aborted invocations to a secondary endpoint.
// It makes a single best-effort attempt.
type FailureSink struct {
	url     string
	http    *http.Client
	log     logx.Logger
	timeout time.Duration
}

func NewFailureSink(url string, hc *http.Client, log logx.Logger) *FailureSink {
	if hc == nil {
		hc = &http.Client{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &FailureSink{
		url:     strings.TrimSpace(url),
		http:    hc,
		log:     log.With(logx.String("comp", "failure_sink")),
		timeout: DefaultTimeout,
	}
}

// Enabled reports whether a failure URL is configured.
func (s *FailureSink) Enabled() bool { return s != nil && s.url != "" }

// Notify posts {"body": requestID}. A missing URL is a no-op.
func (s *FailureSink) Notify(ctx context.Context, requestID string) error {
	if !s.Enabled() {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	// The invocation context may already be done; give the report its own budget.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"body": requestID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		s.log.Error("failure sink request", logx.Err(err))
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		s.log.Error("failure sink unreachable", logx.String("request_id", requestID), logx.Err(err))
		return fmt.Errorf("failure sink: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.log.Error("failure sink rejected report", logx.String("request_id", requestID), logx.Int("status", resp.StatusCode))
		return fmt.Errorf("failure sink: unexpected status %d", resp.StatusCode)
	}
	s.log.Info("failure reported", logx.String("request_id", requestID))
	return nil
}
