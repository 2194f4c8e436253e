package userstatus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIsBlocked_Blocked(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/api/users/42/status" {
			t.Fatalf("path = %s, want /api/users/42/status", r.URL.Path)
		}

		resp := Status{
			UserID:  42,
			Blocked: true,
			Reason:  "overdue returns",
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	blocked, err := client.IsBlocked(ctx, 42)
	if err != nil {
		t.Fatalf("IsBlocked error: %v", err)
	}
	if !blocked {
		t.Fatalf("blocked = false, want true")
	}
}

func TestIsBlocked_NotBlocked(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := Status{UserID: 7, Blocked: false}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	blocked, err := client.IsBlocked(ctx, 7)
	if err != nil {
		t.Fatalf("IsBlocked error: %v", err)
	}
	if blocked {
		t.Fatalf("blocked = true, want false")
	}
}

func TestIsBlocked_UnknownUser(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	blocked, err := client.IsBlocked(ctx, 99)
	if err != nil {
		t.Fatalf("IsBlocked error: %v", err)
	}
	if blocked {
		t.Fatalf("blocked = true, want false for unknown user")
	}
}

func TestIsBlocked_NotConfigured(t *testing.T) {
	var client *Client

	_, err := client.IsBlocked(context.Background(), 1)
	if err == nil {
		t.Fatalf("expected error for nil client")
	}
}
