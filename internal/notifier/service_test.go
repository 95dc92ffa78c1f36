package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statusrelay/internal/change"
	"statusrelay/internal/delivery"
	"statusrelay/internal/descdiff"
	"statusrelay/internal/embed"
	"statusrelay/internal/eventbus"
	logx "statusrelay/pkg/logx"
)

type fakeDeliverer struct {
	mu    sync.Mutex
	sent  [][]embed.Payload
	fail  func(n int) error
	block bool
}

func (f *fakeDeliverer) Deliver(ctx context.Context, payloads []embed.Payload) (string, error) {
	f.mu.Lock()
	n := len(f.sent)
	f.sent = append(f.sent, payloads)
	fail, block := f.fail, f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return "", fmt.Errorf("delivery: payload 0: %w", ctx.Err())
	}
	if fail != nil {
		if err := fail(n); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("msg-%d", n), nil
}

func (f *fakeDeliverer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeSink struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeSink) Enabled() bool { return true }

func (f *fakeSink) Notify(_ context.Context, id string) error {
	f.mu.Lock()
	f.ids = append(f.ids, id)
	f.mu.Unlock()
	return nil
}

func attrs(arn, status string) map[string]string {
	return map[string]string{
		change.KeyARN:             arn,
		change.KeyDescription:     "Increased API error rates",
		change.KeyRegion:          "us-east-1",
		change.KeyStatusCode:      status,
		change.KeyService:         "EC2",
		change.KeyEventTypeCode:   "AWS_EC2_OPERATIONAL_ISSUE",
		change.KeyStartTime:       "2024-03-01T10:00:00Z",
		change.KeyLastUpdatedTime: "2024-03-01T11:30:00Z",
	}
}

func insert(arn string) change.Record {
	return change.Record{TransitionType: "INSERT", Key: "ARN#" + arn, NewAttributes: attrs(arn, "open")}
}

func newService(cfg Config, d Deliverer, opts ...Option) *Service {
	opts = append([]Option{WithIDGenerator(func() string { return "inv-1" })}, opts...)
	return New(cfg, change.NewParser(nil, descdiff.Differ{}), embed.NewBuilder(embed.DefaultConfig()), d, logx.Nop(), opts...)
}

func TestProcessIsolatesRecordFailures(t *testing.T) {
	d := &fakeDeliverer{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	incomplete := insert("incomplete")
	delete(incomplete.NewAttributes, change.KeyService)

	records := []change.Record{
		insert("a"),
		{TransitionType: "BOGUS", Key: "ARN#bad"},
		incomplete,
		{TransitionType: "REMOVE", Key: "ARN#gone", OldAttributes: attrs("gone", "closed")},
		insert("b"),
	}
	svc := newService(Config{}, d, WithBus(bus))
	res, err := svc.Process(context.Background(), records)
	require.NoError(t, err)

	assert.Equal(t, "inv-1", res.InvocationID)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, 3, res.Skipped)
	assert.Zero(t, res.Abandoned)
	assert.Equal(t, 2, d.calls())

	var settled []string
	for _, st := range res.Settled {
		settled = append(settled, st.Key+"="+string(st.Outcome))
	}
	assert.Equal(t, []string{"ARN#a=delivered", "ARN#bad=skipped", "ARN#incomplete=skipped", "ARN#gone=skipped", "ARN#b=delivered"}, settled)
	assert.Equal(t, "msg-0", res.Settled[0].MessageID)
	assert.False(t, res.Settled[0].PublishedAt.IsZero())
	assert.Equal(t, "msg-1", res.Settled[4].MessageID)
	assert.True(t, res.Settled[1].PublishedAt.IsZero())

	var got []string
	for range records {
		ev := <-events
		got = append(got, ev.Type)
	}
	assert.Equal(t, []string{EventDelivered, EventSkipped, EventSkipped, EventSkipped, EventDelivered}, got)
}

func TestProcessAbortsOnTransportFailure(t *testing.T) {
	terr := &delivery.TransportError{Payload: 0, Attempt: 1, Err: errors.New("connection refused")}
	d := &fakeDeliverer{fail: func(n int) error {
		if n == 1 {
			return terr
		}
		return nil
	}}
	sink := &fakeSink{}
	svc := newService(Config{}, d, WithFailureSink(sink))

	res, err := svc.Process(context.Background(), []change.Record{insert("a"), insert("b"), insert("c")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAborted)
	assert.ErrorIs(t, err, delivery.ErrTransport)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Abandoned)
	assert.Equal(t, 2, d.calls())
	assert.Equal(t, []string{"inv-1"}, sink.ids)
	// Only the delivered record is settled; b failed and c was never tried.
	require.Len(t, res.Settled, 1)
	assert.Equal(t, "ARN#a", res.Settled[0].Key)
}

func TestProcessInvocationDeadline(t *testing.T) {
	d := &fakeDeliverer{block: true}
	sink := &fakeSink{}
	svc := newService(Config{InvocationTimeout: 50 * time.Millisecond}, d, WithFailureSink(sink))

	_, err := svc.Process(context.Background(), []change.Record{insert("a"), insert("b")})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, d.calls())
	assert.Equal(t, []string{"inv-1"}, sink.ids)
}

func TestProcessConcurrentCancelsSiblings(t *testing.T) {
	terr := &delivery.TransportError{Err: errors.New("reset")}
	release := make(chan struct{})
	d := &fakeDeliverer{}
	d.fail = func(n int) error {
		if n == 0 {
			<-release
			return terr
		}
		return nil
	}
	svc := newService(Config{Concurrency: 2}, d)

	done := make(chan error, 1)
	var res Result
	go func() {
		var err error
		res, err = svc.Process(context.Background(), []change.Record{insert("a"), insert("b"), insert("c"), insert("d")})
		done <- err
	}()
	// One worker stays blocked on the failing record while the other drains the rest.
	require.Eventually(t, func() bool { return d.calls() == 4 }, time.Second, 5*time.Millisecond)
	close(release)

	err := <-done
	assert.ErrorIs(t, err, delivery.ErrTransport)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 3, res.Delivered)
}

func TestProcessConcurrentAllDelivered(t *testing.T) {
	d := &fakeDeliverer{}
	svc := newService(Config{Concurrency: 3}, d)
	var records []change.Record
	for i := range 10 {
		records = append(records, insert(fmt.Sprintf("e%d", i)))
	}
	res, err := svc.Process(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Delivered)
	assert.Equal(t, 10, d.calls())
}
