package callback

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlgridengine/supervisor/internal/testutils"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestSend_NoAPIConfiguredIsNoop(t *testing.T) {
	c := New("", "", 3, quietLogger())
	c.Send(context.Background(), Event{EventType: "started"})
	// no panic, no request attempted; nothing else observable
}

func TestSend_SucceedsFirstTry(t *testing.T) {
	var received int32
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		gotAuth = r.Header.Get("Authentication")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", 3, quietLogger())
	c.Send(context.Background(), Event{EventType: "started"})

	assert.EqualValues(t, 1, received)
	assert.Equal(t, "TOKEN "+base64.StdEncoding.EncodeToString([]byte("secret")), gotAuth)
}

func TestSend_PostsExpectedEventShape(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "", 3, quietLogger())
	c.Send(context.Background(), Event{
		EventType: "fileGenerated:result",
		Timestamp: "2026-07-30T00:00:00Z",
		Data:      map[string]any{"ok": true},
	})

	expected := `{
		"eventType": "fileGenerated:result",
		"timestamp": "<<PRESENCE>>",
		"data": {"ok": true}
	}`
	testutils.NewJSONAsserter(t).Assert(string(gotBody), expected)
}

func TestSend_RetriesOn5xxThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "", 3, quietLogger())
	c.fibOverride(1 * time.Millisecond)
	c.Send(context.Background(), Event{EventType: "statusUpdated"})

	assert.EqualValues(t, 2, attempts)
}

func TestSend_GivesUpAfterMaxRetry(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, "", 2, quietLogger())
	c.fibOverride(1 * time.Millisecond)
	c.Send(context.Background(), Event{EventType: "statusUpdated"})

	assert.EqualValues(t, 3, attempts) // maxRetry=2 -> 3 total attempts
}

func TestSend_DoesNotRetryOn4xx(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, "", 5, quietLogger())
	c.fibOverride(1 * time.Millisecond)
	c.Send(context.Background(), Event{EventType: "statusUpdated"})

	require.EqualValues(t, 1, attempts)
}
