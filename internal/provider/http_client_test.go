package provider

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"schedcache/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testWindow() models.DateRange {
	return models.NewDateRange(
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC),
	)
}

func TestHTTPClientExhaustsPagination(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Path != "/scheduled_events" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("expected bearer token, got %q", got)
		}
		if r.URL.Query().Get("user") != "https://api.example.com/users/U1" {
			t.Errorf("expected user scope to be forwarded, got %q", r.URL.Query().Get("user"))
		}
		if r.URL.Query().Get("count") != "2" {
			t.Errorf("expected count=2, got %q", r.URL.Query().Get("count"))
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("page_token") {
		case "":
			_, _ = w.Write([]byte(`{"collection":[{"uri":"a"},{"uri":"b"}],"pagination":{"next_page_token":"p2"}}`))
		case "p2":
			_, _ = w.Write([]byte(`{"collection":["{\"uri\":\"c\"}"],"pagination":{"next_page_token":null}}`))
		default:
			t.Errorf("unexpected page token %q", r.URL.Query().Get("page_token"))
		}
	}))
	defer server.Close()

	client := NewHTTPClient(testLogger(), server.URL, "secret", "", server.Client())
	batch, err := client.QueryEvents(context.Background(), models.UserScope("https://api.example.com/users/U1"), testWindow(), 2)
	if err != nil {
		t.Fatalf("query events failed: %v", err)
	}
	if len(batch.Payloads) != 3 {
		t.Fatalf("expected 3 payloads across pages, got %d", len(batch.Payloads))
	}
	if batch.Requests != 2 || atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 requests, got batch=%d server=%d", batch.Requests, calls)
	}
	if string(batch.Payloads[2]) != `"{\"uri\":\"c\"}"` {
		t.Fatalf("expected text-encoded payload to be passed through verbatim, got %s", batch.Payloads[2])
	}
}

func TestHTTPClientClassifiesFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		fatal  bool
	}{
		{"rate limited", http.StatusTooManyRequests, false},
		{"server error", http.StatusBadGateway, false},
		{"unauthorized", http.StatusUnauthorized, true},
		{"forbidden", http.StatusForbidden, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "7")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"title":"nope","message":"try later"}`))
			}))
			defer server.Close()

			client := NewHTTPClient(testLogger(), server.URL, "secret", "org", server.Client())
			_, err := client.QueryEvents(context.Background(), models.AllScopes(), testWindow(), 10)
			if err == nil {
				t.Fatalf("expected error for status %d", tt.status)
			}
			if IsFatal(err) != tt.fatal {
				t.Fatalf("expected fatal=%v, got %v (%v)", tt.fatal, IsFatal(err), err)
			}
			var httpErr *HTTPError
			if !errors.As(err, &httpErr) {
				t.Fatalf("expected *HTTPError in chain, got %T", err)
			}
			if httpErr.StatusCode != tt.status || httpErr.Message != "try later" {
				t.Fatalf("unexpected http error %+v", httpErr)
			}
			if httpErr.RetryAfter != 7*time.Second {
				t.Fatalf("expected Retry-After 7s, got %s", httpErr.RetryAfter)
			}
		})
	}
}

func TestHTTPClientTimeoutIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	client := NewHTTPClient(testLogger(), server.URL, "secret", "org", server.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.QueryEvents(ctx, models.AllScopes(), testWindow(), 10)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !IsTransient(err) {
		t.Fatalf("expected timeout to be transient, got %v", err)
	}
}

func TestHTTPClientRequiresConfiguration(t *testing.T) {
	client := NewHTTPClient(testLogger(), "http://127.0.0.1:1", "", "", nil)
	if _, err := client.QueryEvents(context.Background(), models.AllScopes(), testWindow(), 10); !IsFatal(err) {
		t.Fatalf("expected missing token to be fatal, got %v", err)
	}

	client = NewHTTPClient(testLogger(), "http://127.0.0.1:1", "secret", "", nil)
	if _, err := client.QueryEvents(context.Background(), models.AllScopes(), testWindow(), 10); !IsFatal(err) {
		t.Fatalf("expected missing organization to be fatal, got %v", err)
	}
}
