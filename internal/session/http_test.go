package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/dante-gpu/dante-messaging/internal/errors"
)

func TestHTTPClientSendsAPIKeyAndProxy(t *testing.T) {
	var got createSessionBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Method == http.MethodPost && r.URL.Path == "/api/sessions" {
			_ = json.NewDecoder(r.Body).Decode(&got)
			w.WriteHeader(http.StatusCreated)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret", time.Second, zap.NewNop())
	fp := DeriveFingerprint(uuid.New(), 0)
	err := c.CreateSession(context.Background(), CreateRequest{
		Name:        "chip_abc",
		Fingerprint: fp,
		EgressURL:   "http://user-session-0123456789ab:pw@proxy.example:8000",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if got.Name != "chip_abc" || !got.Start {
		t.Fatalf("unexpected body %+v", got)
	}
	if got.Config.Proxy == nil || got.Config.Proxy.Server != "http://proxy.example:8000" ||
		got.Config.Proxy.Username != "user-session-0123456789ab" || got.Config.Proxy.Password != "pw" {
		t.Fatalf("unexpected proxy %+v", got.Config.Proxy)
	}
	if got.Config.Metadata != fp {
		t.Fatalf("fingerprint not forwarded")
	}
}

func TestHTTPClientErrorKinds(t *testing.T) {
	codes := map[string]int{
		"/api/sessions/missing":  http.StatusNotFound,
		"/api/sessions/busy":     http.StatusServiceUnavailable,
		"/api/sessions/rejected": http.StatusBadRequest,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(codes[r.URL.Path])
	}))
	defer srv.Close()
	c := NewHTTPClient(srv.URL, "k", time.Second, zap.NewNop())
	ctx := context.Background()

	if _, err := c.GetStatus(ctx, "missing"); !apperrors.IsNotFound(err) {
		t.Errorf("404: got %v", err)
	}
	if _, err := c.GetStatus(ctx, "busy"); !apperrors.IsTransient(err) {
		t.Errorf("503: got %v", err)
	}
	if _, err := c.GetStatus(ctx, "rejected"); !apperrors.IsRejected(err) {
		t.Errorf("400: got %v", err)
	}
}

func TestHTTPClientUnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c := NewHTTPClient(addr, "k", 200*time.Millisecond, zap.NewNop())
	if _, err := c.Version(context.Background()); !apperrors.IsTransient(err) {
		t.Fatalf("expected transient, got %v", err)
	}
}

func TestSendTextReturnsUpstreamID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body sendTextBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.ChatID != "5511999990000@c.us" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(sendTextResponse{ID: "msg-1"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "k", time.Second, zap.NewNop())
	id, err := c.SendText(context.Background(), "s", "+55 11 99999-0000", "hi")
	if err != nil || id != "msg-1" {
		t.Fatalf("SendText = %q, %v", id, err)
	}
}

func TestDeriveFingerprintStablePerEpoch(t *testing.T) {
	chip := uuid.New()
	if DeriveFingerprint(chip, 0) != DeriveFingerprint(chip, 0) {
		t.Fatal("fingerprint not deterministic")
	}
	if DeriveFingerprint(chip, 0).DeviceID == DeriveFingerprint(chip, 1).DeviceID {
		t.Fatal("rotation did not change the fingerprint")
	}
}
