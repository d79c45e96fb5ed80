package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newRouter(opts AuthOptions) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/whoami", AuthMiddleware(opts), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": c.GetString("userId"), "name": c.GetString("username")})
	})
	return r
}

func do(r http.Handler, target, auth string) (*httptest.ResponseRecorder, map[string]string) {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	body := map[string]string{}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestAuthMiddleware_DevMode(t *testing.T) {
	r := newRouter(AuthOptions{})
	w, body := do(r, "/whoami?participantId=alice", "")
	if w.Code != http.StatusOK || body["id"] != "alice" || body["name"] != "alice" {
		t.Fatalf("dev mode: %d %v", w.Code, body)
	}
	if w, _ := do(r, "/whoami", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing participantId: %d", w.Code)
	}
}

func TestAuthMiddleware_LocalJWT(t *testing.T) {
	secret := []byte("test-secret")
	r := newRouter(AuthOptions{Secret: string(secret)})

	token, err := SignAccessToken(secret, "42", "Alice", time.Minute)
	if err != nil {
		t.Fatalf("SignAccessToken: %v", err)
	}
	w, body := do(r, "/whoami", "Bearer "+token)
	if w.Code != http.StatusOK || body["id"] != "42" || body["name"] != "Alice" {
		t.Fatalf("header token: %d %v", w.Code, body)
	}
	if w, body := do(r, "/whoami?token="+token, ""); w.Code != http.StatusOK || body["id"] != "42" {
		t.Fatalf("query token: %d %v", w.Code, body)
	}

	other, _ := SignAccessToken([]byte("other-secret"), "42", "Alice", time.Minute)
	if w, _ := do(r, "/whoami", "Bearer "+other); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret accepted: %d", w.Code)
	}
	expired, _ := SignAccessToken(secret, "42", "Alice", -time.Minute)
	if w, _ := do(r, "/whoami", "Bearer "+expired); w.Code != http.StatusUnauthorized {
		t.Fatalf("expired token accepted: %d", w.Code)
	}
}

func TestAuthMiddleware_RemoteVerify(t *testing.T) {
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"token expired"}`))
			return
		}
		_, _ = w.Write([]byte(`{"userId":7,"username":"bob","type":"access"}`))
	}))
	defer auth.Close()

	r := newRouter(AuthOptions{VerifyURL: auth.URL + "/v1/auth/verify"})
	w, body := do(r, "/whoami", "Bearer good")
	if w.Code != http.StatusOK || body["id"] != "7" || body["name"] != "bob" {
		t.Fatalf("remote verify: %d %v", w.Code, body)
	}
	w, body = do(r, "/whoami", "Bearer bad")
	if w.Code != http.StatusUnauthorized || body["message"] != "token expired" {
		t.Fatalf("remote reject: %d %v", w.Code, body)
	}
}

func TestAuthMiddleware_UpstreamDown(t *testing.T) {
	r := newRouter(AuthOptions{VerifyURL: "http://127.0.0.1:1/verify", Timeout: 200 * time.Millisecond})
	if w, _ := do(r, "/whoami", "Bearer x"); w.Code != http.StatusBadGateway {
		t.Fatalf("upstream down: %d", w.Code)
	}
}
