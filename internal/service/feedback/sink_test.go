package feedback

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-travel/backend/internal/model/chat"
)

func TestSinkPostsReaction(t *testing.T) {
	var (
		mu   sync.Mutex
		got  []payload
		hits int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p payload
		_ = json.NewDecoder(r.Body).Decode(&p)
		mu.Lock()
		got = append(got, p)
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := NewSink(Config{URL: srv.URL, Rate: 100, Burst: 10}, srv.Client())
	sink.Send(chat.Reaction{MessageID: "m-1", SessionID: "s-1", Reaction: "thumbs_up", CreatedAt: time.Now()})
	sink.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, hits)
	assert.Equal(t, "m-1", got[0].MessageID)
	assert.Equal(t, "thumbs_up", got[0].Reaction)
}

func TestSinkDoesNotRetryFailures(t *testing.T) {
	var (
		mu   sync.Mutex
		hits int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewSink(Config{URL: srv.URL}, srv.Client())
	sink.Send(chat.Reaction{MessageID: "m-1"})
	sink.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, hits)
}

func TestSinkRateLimits(t *testing.T) {
	var (
		mu   sync.Mutex
		hits int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
	}))
	defer srv.Close()

	sink := NewSink(Config{URL: srv.URL, Rate: 0.001, Burst: 2}, srv.Client())
	for i := 0; i < 5; i++ {
		sink.Send(chat.Reaction{MessageID: "m"})
	}
	sink.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, hits)
}

func TestNilAndUnconfiguredSink(t *testing.T) {
	var nilSink *Sink
	nilSink.Send(chat.Reaction{})
	nilSink.Wait()

	NewSink(Config{}, nil).Send(chat.Reaction{MessageID: "m"})
}
