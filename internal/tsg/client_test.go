package tsg

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newFakeServer(t *testing.T) (*httptest.Server, *[]byte) {
	t.Helper()

	var written []byte
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": "AUTH_401", "message": "Invalid credentials"}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"access_token": "jwt-token", "token_type": "Bearer"})
	})
	mux.HandleFunc("POST /api/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer jwt-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"id": "abc", "slot": 5, "slot_name": req["slot"], "kind": "dio"})
	})
	mux.HandleFunc("POST /api/v1/sessions/abc/write", func(w http.ResponseWriter, r *http.Request) {
		written, _ = io.ReadAll(r.Body)
		if r.URL.Query().Get("count") != "4" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"count": len(written)})
	})
	mux.HandleFunc("POST /api/v1/sessions/abc/wait", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("timeout") != "2s" {
			w.WriteHeader(http.StatusGatewayTimeout)
			json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": "CARD_TIMEOUT", "message": "Transfer still in progress"}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"state": "idle"})
	})
	mux.HandleFunc("GET /api/v1/card", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status": map[string]any{
				"attached":             true,
				"dma_buffer_bytes":     20480,
				"bulk_state":           "idle",
				"completion_interrupt": false,
			},
			"slot_names": map[string]string{"5": "do_fifo"},
		})
	})
	mux.HandleFunc("DELETE /api/v1/sessions/abc", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"message": "session closed"})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &written
}

func TestClientSessionFlow(t *testing.T) {
	srv, written := newFakeServer(t)
	ctx := context.Background()
	c := NewClient(srv.URL+"/", "")

	if err := c.Login(ctx, "op", "secret"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	info, err := c.CardInfo(ctx)
	if err != nil {
		t.Fatalf("CardInfo failed: %v", err)
	}
	if !info.Attached || info.DMABufferBytes != 20480 || info.CompletionInterrupt {
		t.Errorf("unexpected card info %+v", info)
	}

	s, err := c.OpenSession(ctx, "do_fifo")
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	if s.ID != "abc" || s.Slot != 5 || s.SlotName != "do_fifo" {
		t.Errorf("unexpected session %+v", s)
	}

	n, err := c.Write(ctx, s.ID, []byte{1, 2, 3, 4})
	if err != nil || n != 4 {
		t.Fatalf("Write returned %d, %v", n, err)
	}
	if len(*written) != 4 {
		t.Errorf("server received %d bytes", len(*written))
	}

	if err := c.Wait(ctx, s.ID, 2*time.Second); err != nil {
		t.Errorf("Wait failed: %v", err)
	}
	if err := c.CloseSession(ctx, s.ID); err != nil {
		t.Errorf("CloseSession failed: %v", err)
	}
}

func TestClientErrors(t *testing.T) {
	srv, _ := newFakeServer(t)
	ctx := context.Background()

	c := NewClient(srv.URL, "")
	err := c.Login(ctx, "op", "wrong")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized || apiErr.Code != "AUTH_401" {
		t.Errorf("expected AUTH_401, got %v", err)
	}

	c = NewClient(srv.URL, "jwt-token")
	err = c.Wait(ctx, "abc", 0)
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusGatewayTimeout || apiErr.Code != "CARD_TIMEOUT" {
		t.Errorf("expected CARD_TIMEOUT, got %v", err)
	}
}
