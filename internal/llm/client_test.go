package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestStreamReplyConsumesSSEDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n")
		fmt.Fprint(w, "data: [DONE]\n")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "test-model")
	var deltas []string
	full, err := c.StreamReply(context.Background(), "system", nil, "hi", func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamReply() error = %v", err)
	}
	if full != "Hello" {
		t.Fatalf("full = %q, want %q", full, "Hello")
	}
	if strings.Join(deltas, "") != "Hello" {
		t.Fatalf("deltas = %v, want concatenation Hello", deltas)
	}
}

func TestStreamReplyPropagatesOnDeltaError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "test-model")
	boom := fmt.Errorf("boom")
	_, err := c.StreamReply(context.Background(), "system", nil, "hi", func(d string) error {
		return boom
	})
	if err != boom {
		t.Fatalf("error = %v, want %v", err, boom)
	}
}

func TestStreamReplyErrorsOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "upstream down")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "test-model")
	if _, err := c.StreamReply(context.Background(), "system", nil, "hi", nil); err == nil {
		t.Fatalf("expected error for 500 response")
	}
}

func TestStreamReplyHonorsContextCancellation(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(srv.URL, "", "test-model")

	done := make(chan error, 1)
	go func() {
		_, err := c.StreamReply(ctx, "system", nil, "hi", nil)
		done <- err
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("StreamReply did not return promptly after cancellation")
	}
}
