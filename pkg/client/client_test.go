package client

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bft-labs/fedship/internal/coordinator"
	"github.com/bft-labs/fedship/internal/gateway"
	"github.com/bft-labs/fedship/pkg/checkpoint"
	"github.com/bft-labs/fedship/pkg/ledger"
	"github.com/bft-labs/fedship/pkg/params"
	"github.com/bft-labs/fedship/pkg/weightstore"
)

func fastRetry() Option {
	return WithRetry(3, time.Millisecond, 5*time.Millisecond)
}

func newServer(t *testing.T, seed *params.State, token string) *httptest.Server {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	store, err := weightstore.NewFileStore(filepath.Join(dir, "weights"))
	if err != nil {
		t.Fatal(err)
	}
	l, err := ledger.Open(filepath.Join(dir, "client_stats.json"))
	if err != nil {
		t.Fatal(err)
	}
	cps, err := checkpoint.Open(ctx, filepath.Join(dir, "global"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if seed != nil {
		if _, err := cps.Initialize(ctx, seed); err != nil {
			t.Fatal(err)
		}
	}
	coord := coordinator.New(l, store, cps)
	if _, err := coord.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	g := gateway.New(gateway.Config{ChunkSize: 16, AdminToken: token}, store, coord, cps)
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func constState(v float64) *params.State {
	s := params.New()
	s.Set("conv1.weight", params.Full([]int{2, 3}, v))
	return s
}

func TestClient_RoundTrip(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t, constState(0), "tok")
	c := New(srv.URL, WithAdminToken("tok"), fastRetry())

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.NextRound != 1 || st.LatestRound == nil || *st.LatestRound != 0 {
		t.Fatalf("status = %+v, want next 1 latest 0", st)
	}

	ack, err := c.UploadState(ctx, Contribution{ClientID: "a", Round: 1, DatasetSize: 3}, constState(2))
	if err != nil {
		t.Fatalf("Upload a: %v", err)
	}
	if !ack.Success || ack.SavePath != "a_round1_"+ack.TransferID+".bin" {
		t.Errorf("ack = %+v", ack)
	}
	if _, err := c.UploadState(ctx, Contribution{ClientID: "b", Round: 1, DatasetSize: 1}, constState(0)); err != nil {
		t.Fatalf("Upload b: %v", err)
	}

	entries, err := c.Contributions(ctx, 1)
	if err != nil || len(entries) != 2 {
		t.Fatalf("Contributions = %v, %v", entries, err)
	}

	res, err := c.Aggregate(ctx, 1, false)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if res.State != "COMMITTED" || res.NextRound != 2 {
		t.Errorf("result = %+v", res)
	}

	model, round, err := c.DownloadState(ctx)
	if err != nil {
		t.Fatalf("DownloadState: %v", err)
	}
	if round != 1 || !params.Equal(model, constState(1.5)) {
		t.Errorf("downloaded round %d, want 1 with value 1.5", round)
	}
}

func TestClient_AggregateErrors(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t, constState(0), "tok")

	_, err := New(srv.URL, fastRetry()).Aggregate(ctx, 1, false)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized {
		t.Fatalf("error = %v, want 401 StatusError", err)
	}

	res, err := New(srv.URL, WithAdminToken("tok")).AggregateCurrent(ctx)
	if !errors.As(err, &se) || se.Code != http.StatusUnprocessableEntity {
		t.Fatalf("error = %v, want 422 StatusError", err)
	}
	if res.Success || !res.Retryable {
		t.Errorf("result = %+v, want failed retryable", res)
	}
}

func TestClient_DownloadNoModel(t *testing.T) {
	srv := newServer(t, nil, "")
	_, _, err := New(srv.URL, fastRetry()).Download(context.Background(), &bytes.Buffer{})
	if !errors.Is(err, ErrNoGlobalModel) {
		t.Fatalf("error = %v, want ErrNoGlobalModel", err)
	}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, `{"error":"busy"}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"next_round":7,"rounds":{}}`))
	}))
	defer srv.Close()

	st, err := New(srv.URL, fastRetry()).Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.NextRound != 7 || calls.Load() != 3 {
		t.Errorf("next_round = %d after %d calls, want 7 after 3", st.NextRound, calls.Load())
	}
}

func TestClient_GivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL, fastRetry()).Status(context.Background())
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadGateway {
		t.Fatalf("error = %v, want 502 StatusError", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"success":false,"error":"client_id not provided"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, fastRetry()).Upload(context.Background(), Contribution{Round: 1}, []byte("x"))
	var se *StatusError
	if !errors.As(err, &se) || se.Message != "client_id not provided" {
		t.Fatalf("error = %v, want StatusError with server message", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestClient_RetryStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c := New(srv.URL, WithRetry(100, 20*time.Millisecond, time.Second))

	start := time.Now()
	if _, err := c.Status(ctx); err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("retry loop ignored context cancellation")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{&StatusError{Code: 503}, true},
		{&StatusError{Code: 429}, true},
		{&StatusError{Code: 409}, false},
		{ErrNoGlobalModel, false},
		{context.Canceled, false},
		{errors.New("connection refused"), true},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
