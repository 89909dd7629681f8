package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func serve(h *Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func ok(context.Context) error { return nil }

func TestLiveness_Always200(t *testing.T) {
	h := NewHandler("v1.2.3", WithCheck("store", func(context.Context) error { return errors.New("down") }))
	rec := serve(h, "/healthz")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp LivenessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status=ok, got %q", resp.Status)
	}
	if resp.Version != "v1.2.3" {
		t.Errorf("expected version=v1.2.3, got %q", resp.Version)
	}
}

func TestReadiness_AllChecksPass(t *testing.T) {
	h := NewHandler("dev", WithCheck("capabilities", ok), WithCheck("sqlite", ok))
	rec := serve(h, "/readyz")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	if resp.Checks["capabilities"] != "ok" || resp.Checks["sqlite"] != "ok" {
		t.Errorf("checks = %v", resp.Checks)
	}
}

func TestReadiness_NoChecksIsReady(t *testing.T) {
	if rec := serve(NewHandler("dev"), "/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestReadiness_FailingCheck(t *testing.T) {
	h := NewHandler("dev",
		WithCheck("capabilities", ok),
		WithCheck("postgres", func(context.Context) error { return errors.New("connection refused") }),
	)
	rec := serve(h, "/readyz")

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "not_ready" {
		t.Errorf("status = %q, want not_ready", resp.Status)
	}
	if resp.Checks["postgres"] != "connection refused" {
		t.Errorf("postgres check = %q", resp.Checks["postgres"])
	}
	if resp.Checks["capabilities"] != "ok" {
		t.Errorf("capabilities check = %q", resp.Checks["capabilities"])
	}
}

func TestReadiness_SlowCheckTimesOut(t *testing.T) {
	h := NewHandler("dev",
		WithTimeout(20*time.Millisecond),
		WithCheck("slow", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}),
	)
	start := time.Now()
	rec := serve(h, "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if time.Since(start) > time.Second {
		t.Error("readiness should not wait past the check timeout")
	}
}

func TestReadiness_Draining(t *testing.T) {
	h := NewHandler("dev", WithCheck("store", ok))
	h.SetDraining(true)
	rec := serve(h, "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while draining, got %d", rec.Code)
	}
	h.SetDraining(false)
	if rec := serve(h, "/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after draining cleared, got %d", rec.Code)
	}
}

func TestServeHTTP_CustomPaths(t *testing.T) {
	h := NewHandler("dev", WithPaths("/live", "/ready"))
	if rec := serve(h, "/live"); rec.Code != http.StatusOK {
		t.Errorf("/live = %d, want 200", rec.Code)
	}
	if rec := serve(h, "/ready"); rec.Code != http.StatusOK {
		t.Errorf("/ready = %d, want 200", rec.Code)
	}
	if rec := serve(h, "/healthz"); rec.Code != http.StatusNotFound {
		t.Errorf("/healthz = %d, want 404", rec.Code)
	}
}
