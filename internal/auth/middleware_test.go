package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if called != nil {
			*called = true
		}
		w.WriteHeader(http.StatusOK)
	})
}

func Test_NewAuthMiddleware_Cases(t *testing.T) {
	const token = "s3cret-token"

	tests := []struct {
		name       string
		configured string
		header     *string
		wantStatus int
	}{
		{name: "valid token", configured: token, header: ptr("Bearer s3cret-token"), wantStatus: http.StatusOK},
		{name: "missing header", configured: token, wantStatus: http.StatusUnauthorized},
		{name: "empty header", configured: token, header: ptr(""), wantStatus: http.StatusUnauthorized},
		{name: "wrong token", configured: token, header: ptr("Bearer nope"), wantStatus: http.StatusUnauthorized},
		{name: "token prefix only", configured: token, header: ptr("Bearer s3cret"), wantStatus: http.StatusUnauthorized},
		{name: "token with suffix", configured: token, header: ptr("Bearer s3cret-token-extra"), wantStatus: http.StatusUnauthorized},
		{name: "basic scheme", configured: token, header: ptr("Basic s3cret-token"), wantStatus: http.StatusUnauthorized},
		{name: "lowercase scheme", configured: token, header: ptr("bearer s3cret-token"), wantStatus: http.StatusUnauthorized},
		{name: "double space", configured: token, header: ptr("Bearer  s3cret-token"), wantStatus: http.StatusUnauthorized},
		{name: "scheme without token", configured: token, header: ptr("Bearer "), wantStatus: http.StatusUnauthorized},
		{name: "scheme word only", configured: token, header: ptr("Bearer"), wantStatus: http.StatusUnauthorized},
		{name: "auth disabled without header", configured: "", wantStatus: http.StatusOK},
		{name: "auth disabled ignores header", configured: "", header: ptr("Bearer whatever"), wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var called bool
			handler := NewAuthMiddleware(tt.configured)(okHandler(&called))

			req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
			if tt.header != nil {
				req.Header.Set("Authorization", *tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if wantCalled := tt.wantStatus == http.StatusOK; called != wantCalled {
				t.Errorf("next called = %v, want %v", called, wantCalled)
			}
		})
	}
}

func Test_NewAuthMiddleware_ChallengeHeader(t *testing.T) {
	handler := NewAuthMiddleware("tok")(okHandler(nil))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if got := rr.Header().Get("WWW-Authenticate"); got != `Bearer realm="vmctl"` {
		t.Errorf("WWW-Authenticate = %q", got)
	}
}

func Test_NewAuthMiddleware_DisabledReturnsNext(t *testing.T) {
	next := okHandler(nil)
	handler := NewAuthMiddleware("")(next)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
	if rr.Header().Get("WWW-Authenticate") != "" {
		t.Error("disabled middleware set a challenge header")
	}
}

func ptr(s string) *string { return &s }
