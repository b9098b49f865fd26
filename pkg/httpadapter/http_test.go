package httpadapter

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepath/conduit/pkg/host"
	"github.com/carepath/conduit/pkg/types"
)

func startInbound(t *testing.T, cfg InboundConfig, submit func(*types.MessageEnvelope) error) *InboundAdapter {
	t.Helper()
	a := NewInboundAdapter(cfg)
	require.NoError(t, a.Open(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(ctx, submit)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return a
}

func TestInbound_RequestBecomesEnvelope(t *testing.T) {
	var mu sync.Mutex
	var got *types.MessageEnvelope
	a := startInbound(t, InboundConfig{ItemName: "HTTP-In", BindHost: "127.0.0.1", Path: "/ingest"},
		func(env *types.MessageEnvelope) error {
			mu.Lock()
			defer mu.Unlock()
			got = env
			return nil
		})

	resp, err := http.Post("http://"+a.Addr()+"/ingest", "application/fhir+json", bytes.NewBufferString(`{"resourceType":"Patient"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	assert.Equal(t, "HTTP-In", got.SourceHost)
	assert.Equal(t, "application/fhir+json", got.ContentType)
	assert.Equal(t, []byte(`{"resourceType":"Patient"}`), got.RawPayload)
	assert.Equal(t, "POST", got.Properties["http_method"])
	assert.Equal(t, "/ingest", got.Properties["http_path"])
}

func TestInbound_EmptyBodyRejected(t *testing.T) {
	a := startInbound(t, InboundConfig{ItemName: "HTTP-In", BindHost: "127.0.0.1"},
		func(*types.MessageEnvelope) error { return nil })

	resp, err := http.Post("http://"+a.Addr()+"/", "text/plain", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInbound_OverflowNaksWith503(t *testing.T) {
	a := startInbound(t, InboundConfig{ItemName: "HTTP-In", BindHost: "127.0.0.1"},
		func(*types.MessageEnvelope) error { return types.ErrQueueOverflow })

	resp, err := http.Post("http://"+a.Addr()+"/", "text/plain", bytes.NewBufferString("x"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestOutbound_DeliversAndMapsStatus(t *testing.T) {
	var bodies [][]byte
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a, err := NewOutboundAdapter(OutboundConfig{ItemName: "HTTP-Out", URL: srv.URL}, nil)
	require.NoError(t, err)

	env := &types.MessageEnvelope{MessageID: uuid.NewString(), RawPayload: []byte("payload")}
	outcome := a.Deliver(context.Background(), env)
	require.NoError(t, outcome.Err)
	assert.Equal(t, types.StatusSent, outcome.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	assert.Equal(t, []byte("payload"), bodies[0])
}

func TestOutbound_Retries5xxThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a, err := NewOutboundAdapter(OutboundConfig{
		ItemName:      "HTTP-Out",
		URL:           srv.URL,
		MaxRetries:    3,
		RetryInterval: 10 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	outcome := a.Deliver(context.Background(), &types.MessageEnvelope{MessageID: uuid.NewString(), RawPayload: []byte("x")})
	require.NoError(t, outcome.Err)
	assert.Equal(t, types.StatusSent, outcome.Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOutbound_Permanent4xxIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	a, err := NewOutboundAdapter(OutboundConfig{ItemName: "HTTP-Out", URL: srv.URL}, nil)
	require.NoError(t, err)

	outcome := a.Deliver(context.Background(), &types.MessageEnvelope{MessageID: uuid.NewString(), RawPayload: []byte("x")})
	require.Error(t, outcome.Err)
	var fatal *host.FatalError
	assert.ErrorAs(t, outcome.Err, &fatal)
	assert.Equal(t, types.StatusFailed, outcome.Status)
}
