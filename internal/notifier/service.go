package notifier

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"statusrelay/internal/change"
	"statusrelay/internal/embed"
	"statusrelay/internal/eventbus"
	rtsup "statusrelay/internal/runtime/supervisor"
	logx "statusrelay/pkg/logx"
)

var ErrAborted = errors.New("invocation aborted")

// Service processes change-record batches. It is safe for concurrent use;
// batches share the delivery client and therefore its pacing.
type Service struct {
	mu  sync.Mutex
	cfg Config

	log     logx.Logger
	parser  *change.Parser
	builder *embed.Builder
	client  Deliverer
	sink    FailureNotifier
	bus     eventbus.Bus
	now     func() time.Time
	newID   func() string
}

type Option func(*Service)

func WithFailureSink(f FailureNotifier) Option { return func(s *Service) { s.sink = f } }

func WithBus(b eventbus.Bus) Option { return func(s *Service) { s.bus = b } }

func WithClock(fn func() time.Time) Option { return func(s *Service) { s.now = fn } }

func WithIDGenerator(fn func() string) Option { return func(s *Service) { s.newID = fn } }

func New(cfg Config, parser *change.Parser, builder *embed.Builder, client Deliverer, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log.With(logx.String("comp", "notifier")),
		parser:  parser,
		builder: builder,
		client:  client,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.InvocationTimeout < 0 {
		cfg.InvocationTimeout = 0
	}
	s.cfg = cfg
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// batch collects per-record outcomes from concurrent workers.
type batch struct {
	mu  sync.Mutex
	res Result
}

func (b *batch) count(o Outcome, st Settled) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch o {
	case OutcomeDelivered:
		b.res.Delivered++
	case OutcomeSkipped:
		b.res.Skipped++
	case OutcomeFailed:
		b.res.Failed++
		return
	}
	b.res.Settled = append(b.res.Settled, st)
}

// Process handles one batch. The returned error is non-nil only when the batch
// aborted; it wraps ErrAborted and the cause (a delivery transport error or a
// context error).
func (s *Service) Process(ctx context.Context, records []change.Record) (Result, error) {
	cfg := s.config()
	id := s.newID()
	start := s.now()
	log := s.log.With(logx.String("invocation", id))

	if cfg.InvocationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.InvocationTimeout)
		defer cancel()
	}

	b := &batch{res: Result{InvocationID: id}}
	var (
		err       error
		attempted int
	)
	if cfg.Concurrency <= 1 || len(records) <= 1 {
		attempted, err = s.sequential(ctx, id, records, b, log)
	} else {
		attempted, err = s.concurrent(ctx, id, records, cfg.Concurrency, b, log)
	}

	res := b.res
	res.Abandoned = len(records) - attempted
	res.Took = s.now().Sub(start)
	if err != nil {
		log.Critical("invocation aborted", logx.Int("records", len(records)), logx.Int("delivered", res.Delivered), logx.Int("abandoned", res.Abandoned), logx.Err(err))
		s.reportFailure(ctx, id, log)
		return res, fmt.Errorf("%w: %s: %w", ErrAborted, id, err)
	}
	log.Info("invocation finished",
		logx.Int("records", len(records)), logx.Int("delivered", res.Delivered),
		logx.Int("skipped", res.Skipped), logx.Duration("took", res.Took))
	return res, nil
}

func (s *Service) sequential(ctx context.Context, id string, records []change.Record, b *batch, log logx.Logger) (int, error) {
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := s.processOne(ctx, id, rec, b, log); err != nil {
			return i + 1, err
		}
	}
	return len(records), nil
}

// concurrent runs up to n records at a time; the first fatal error cancels the rest.
func (s *Service) concurrent(ctx context.Context, id string, records []change.Record, n int, b *batch, log logx.Logger) (int, error) {
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(log), rtsup.WithCancelOnError(true))
	sem := make(chan struct{}, n)
	attempted := 0
loop:
	for i, rec := range records {
		select {
		case sem <- struct{}{}:
		case <-sup.Context().Done():
			break loop
		}
		if sup.Context().Err() != nil {
			<-sem
			break loop
		}
		attempted++
		sup.Go("record."+strconv.Itoa(i), func(c context.Context) error {
			defer func() { <-sem }()
			return s.processOne(c, id, rec, b, log)
		})
	}
	err := sup.Wait(context.WithoutCancel(ctx))
	if err == nil {
		err = ctx.Err()
	}
	return attempted, err
}

// processOne returns an error only when the whole batch must abort.
func (s *Service) processOne(ctx context.Context, id string, rec change.Record, b *batch, log logx.Logger) error {
	start := s.now()
	ev := RecordEvent{InvocationID: id, Key: rec.Key, Transition: rec.TransitionType}
	st := Settled{Key: rec.Key}
	finish := func(o Outcome, payloads int, err error) {
		ev.Outcome, ev.Payloads = o, payloads
		if err != nil {
			ev.Error = err.Error()
		}
		ev.At = s.now()
		ev.Took = ev.At.Sub(start)
		st.Outcome = o
		if o == OutcomeDelivered {
			st.PublishedAt = ev.At
		}
		b.count(o, st)
		s.publish(ev)
	}

	ch, err := s.parser.Parse(rec)
	if err != nil {
		log.Warn("record skipped: malformed", logx.String("key", rec.Key), logx.Err(err))
		finish(OutcomeSkipped, 0, err)
		return nil
	}
	rlog := log.With(logx.String("event", ch.ID), logx.String("transition", ch.Transition.String()))
	if !ch.Notify {
		rlog.Debug("record skipped: transition is not notified")
		finish(OutcomeSkipped, 0, nil)
		return nil
	}

	payloads, err := s.builder.Build(ch)
	if err != nil {
		rlog.Error("record skipped: cannot render", logx.Err(err))
		finish(OutcomeSkipped, 0, err)
		return nil
	}

	msgID, err := s.client.Deliver(ctx, payloads)
	if err != nil {
		finish(OutcomeFailed, len(payloads), err)
		return err
	}
	rlog.Info("record delivered", logx.Int("payloads", len(payloads)), logx.String("message", msgID))
	st.MessageID = msgID
	finish(OutcomeDelivered, len(payloads), nil)
	return nil
}

func (s *Service) reportFailure(ctx context.Context, id string, log logx.Logger) {
	if s.sink == nil || !s.sink.Enabled() {
		return
	}
	if err := s.sink.Notify(context.WithoutCancel(ctx), id); err != nil {
		log.Error("failure sink notify failed", logx.Err(err))
	}
}

func (s *Service) publish(ev RecordEvent) {
	if s.bus == nil {
		return
	}
	typ := EventSkipped
	switch ev.Outcome {
	case OutcomeDelivered:
		typ = EventDelivered
	case OutcomeFailed:
		typ = EventFailed
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}
