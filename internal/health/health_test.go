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

func serve(t *testing.T, h *Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) result {
	t.Helper()
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return body
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	rec := serve(t, New(), "/healthz")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if body := decode(t, rec); body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	pass := func(context.Context) error { return nil }
	tests := []struct {
		name     string
		checkers []Checker
		wantCode int
		want     map[string]string
	}{
		{
			name:     "no checkers",
			wantCode: http.StatusOK,
			want:     map[string]string{},
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "transport", Check: pass},
				{Name: "input", Check: pass},
			},
			wantCode: http.StatusOK,
			want:     map[string]string{"transport": "ok", "input": "ok"},
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "transport", Check: func(context.Context) error { return errors.New("not connected") }},
				{Name: "input", Check: pass},
			},
			wantCode: http.StatusServiceUnavailable,
			want:     map[string]string{"transport": "fail: not connected", "input": "ok"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := serve(t, New(WithCheckers(tt.checkers...)), "/readyz")
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			body := decode(t, rec)
			for k, v := range tt.want {
				if body.Checks[k] != v {
					t.Errorf("check %q = %q, want %q", k, body.Checks[k], v)
				}
			}
		})
	}
}

func TestReadyz_CheckTimeout(t *testing.T) {
	t.Parallel()
	slow := Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	rec := serve(t, New(WithCheckers(slow), WithCheckTimeout(10*time.Millisecond)), "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if body := decode(t, rec); body.Checks["slow"] != "fail: "+context.DeadlineExceeded.Error() {
		t.Errorf("slow = %q", body.Checks["slow"])
	}
}

func TestStatusz(t *testing.T) {
	t.Parallel()
	h := New(WithStatus(func() any {
		return map[string]any{"phase": "listening", "episodes": 3}
	}))
	rec := serve(t, h, "/statusz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["phase"] != "listening" || body["episodes"] != float64(3) {
		t.Errorf("body = %v", body)
	}
}

func TestStatusz_Unset(t *testing.T) {
	t.Parallel()
	if rec := serve(t, New(), "/statusz"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestStatusz_EncodeFailure(t *testing.T) {
	t.Parallel()
	h := New(WithStatus(func() any { return map[string]any{"bad": make(chan int)} }))
	if rec := serve(t, h, "/statusz"); rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}
