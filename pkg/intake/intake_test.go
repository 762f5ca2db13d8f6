package intake

import (
	"context"
	"sync"
	"testing"

	"github.com/ValerySidorin/ferry/pkg/job"
	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscriber struct {
	subject string
	action  func([]byte)
	closed  bool
}

func (f *fakeSubscriber) Sub(subject string, action func([]byte)) error {
	f.subject = subject
	f.action = action
	return nil
}

func (f *fakeSubscriber) Close() error {
	f.closed = true
	return nil
}

type fakeSubmitter struct {
	mu   sync.Mutex
	reqs []job.Request
}

func (f *fakeSubmitter) Submit(req job.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := req.Normalize(); err != nil {
		return "", err
	}
	f.reqs = append(f.reqs, req)
	return job.NewID(), nil
}

func TestIntakeSubmitsRequests(t *testing.T) {
	sub := &fakeSubscriber{}
	submitter := &fakeSubmitter{}
	i := NewWithSubscriber(Config{}, sub, submitter, prometheus.NewPedanticRegistry(), log.NewNopLogger())

	require.NoError(t, services.StartAndAwaitRunning(context.Background(), i))
	assert.Equal(t, "ferry.submit", sub.subject)
	require.NotNil(t, sub.action)

	sub.action([]byte(`{"type":"job.submit","request":{"source":"https://example.com/a","audio_only":true}}`))
	sub.action([]byte(`{"request":{"source":"  "}}`))
	sub.action([]byte(`not json`))
	sub.action([]byte(`{"type":"job.finished"}`))

	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), i))
	assert.True(t, sub.closed)

	require.Len(t, submitter.reqs, 1)
	assert.Equal(t, "https://example.com/a", submitter.reqs[0].Source)
	assert.True(t, submitter.reqs[0].AudioOnly)
	assert.Equal(t, float64(1), testutil.ToFloat64(i.received.WithLabelValues("accepted")))
	assert.Equal(t, float64(1), testutil.ToFloat64(i.received.WithLabelValues("rejected")))
	assert.Equal(t, float64(2), testutil.ToFloat64(i.received.WithLabelValues("invalid")))
}
