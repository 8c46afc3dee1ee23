package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (s *recordingSink) Deliver(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (o *countingObserver) NotificationResult(_, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = map[string]int{}
	}
	o.outcomes[outcome]++
}

func TestDispatcherDeliversAndDrains(t *testing.T) {
	sink := &recordingSink{}
	obs := &countingObserver{}
	d, err := NewDispatcher([]Sink{sink}, WithWorkers(2), WithQueueSize(16), WithObserver(obs))
	require.NoError(t, err)
	d.Start(context.Background())

	for i := 0; i < 5; i++ {
		d.Notify(context.Background(), TemplatePurchaseSuccess, Payload{"n": i})
	}
	d.Stop()

	require.Equal(t, 5, sink.count())
	require.Equal(t, 5, obs.outcomes["delivered"])

	d.Notify(context.Background(), TemplatePurchaseSuccess, nil)
	require.Equal(t, 1, obs.outcomes["dropped"])
}

func TestDispatcherFailuresAreSwallowed(t *testing.T) {
	sink := &recordingSink{err: errors.New("gateway down")}
	obs := &countingObserver{}
	d, err := NewDispatcher([]Sink{sink}, WithObserver(obs))
	require.NoError(t, err)
	d.Start(context.Background())
	d.Notify(context.Background(), TemplateAdminSale, Payload{"tx": "1"})
	d.Stop()
	require.Equal(t, 1, obs.outcomes["failed"])
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	sink := &recordingSink{}
	obs := &countingObserver{}
	d, err := NewDispatcher([]Sink{sink}, WithQueueSize(1), WithObserver(obs))
	require.NoError(t, err)
	// Not started: the queue fills after one message.
	d.Notify(context.Background(), TemplateAdminSale, nil)
	d.Notify(context.Background(), TemplateAdminSale, nil)
	require.Equal(t, 1, obs.outcomes["dropped"])
	d.Start(context.Background())
	d.Stop()
	require.Equal(t, 1, sink.count())
}

func TestWebhookSinkPostsJSON(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, 0)
	require.NoError(t, sink.Deliver(context.Background(), Message{TemplateID: TemplateDemoted, Payload: Payload{"address": "0xa"}}))
	require.Equal(t, TemplateDemoted, got.TemplateID)
	require.Equal(t, "0xa", got.Payload["address"])

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	require.Error(t, NewWebhookSink(bad.URL, 0).Deliver(context.Background(), Message{TemplateID: "x"}))
}
