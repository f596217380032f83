package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/nagare/internal/events"
	"github.com/hyperjump/nagare/internal/models"
)

func newRouter(t *testing.T) *events.Router {
	t.Helper()
	router, err := events.Open(events.Config{PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = router.Close() })
	return router
}

func receive(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
		return Update{}
	}
}

func TestHub_FansOutByCorrelationID(t *testing.T) {
	h := New(newRouter(t))
	a1, cancelA1 := h.Subscribe("batch-a")
	a2, cancelA2 := h.Subscribe("batch-a")
	b, cancelB := h.Subscribe("batch-b")
	defer cancelA1()
	defer cancelA2()
	defer cancelB()

	h.BatchProgress(models.BatchProgress{CorrelationID: "batch-a", Total: 2, Completed: 1, Status: models.BatchProcessing})

	for _, ch := range []<-chan Update{a1, a2} {
		u := receive(t, ch)
		assert.Equal(t, KindBatch, u.Kind)
		require.NotNil(t, u.Batch)
		assert.Equal(t, 1, u.Batch.Completed)
	}
	select {
	case u := <-b:
		t.Fatalf("unexpected update %+v", u)
	default:
	}
}

func TestHub_CancelReleasesSubscriber(t *testing.T) {
	h := New(newRouter(t))
	ch, cancel := h.Subscribe("batch-a")
	assert.Equal(t, 1, h.Subscribers("batch-a"))
	cancel()
	cancel()
	assert.Equal(t, 0, h.Subscribers("batch-a"))
	_, open := <-ch
	assert.False(t, open)

	h.Broadcast(Update{Kind: KindBatch, CorrelationID: "batch-a"})
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := New(newRouter(t), WithBuffer(1))
	_, cancel := h.Subscribe("batch-a")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Broadcast(Update{Kind: KindDocument, CorrelationID: "batch-a"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full subscriber")
	}
}

func TestHub_RunRelaysDocumentEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	router := newRouter(t)
	h := New(router)
	ch, unsubscribe := h.Subscribe("batch-a")
	defer unsubscribe()

	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	require.Eventually(t, func() bool {
		_, ok := router.Stats(ctx)[Queue]
		return ok
	}, time.Second, 5*time.Millisecond)

	payload := models.DocumentPayload("doc-1", map[string]any{"stage": "extract", "error": "unsupported format"})
	require.NoError(t, router.Publish(ctx, models.EventFailed, payload, "batch-a"))

	u := receive(t, ch)
	assert.Equal(t, KindDocument, u.Kind)
	assert.Equal(t, models.EventFailed, u.EventType)
	assert.Equal(t, "doc-1", u.DocumentID)
	assert.Equal(t, "extract", u.Stage)
	assert.Equal(t, "unsupported format", u.Error)

	require.Eventually(t, func() bool {
		s := router.Stats(ctx)[Queue]
		return s.Ready == 0 && s.InFlight == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestHub_StreamWritesServerSentEvents(t *testing.T) {
	h := New(newRouter(t), WithHeartbeat(time.Hour))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h.Stream(r.Context(), w, "batch-a")
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return h.Subscribers("batch-a") == 1 }, time.Second, 5*time.Millisecond)
	h.BatchProgress(models.BatchProgress{CorrelationID: "batch-a", Total: 1, Completed: 1, Status: models.BatchCompleted})

	reader := bufio.NewReader(resp.Body)
	var event, data string
	for data == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	assert.Equal(t, KindBatch, event)
	var u Update
	require.NoError(t, json.Unmarshal([]byte(data), &u))
	require.NotNil(t, u.Batch)
	assert.Equal(t, models.BatchCompleted, u.Batch.Status)
}
