package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"collabSession/backend/internal/logger"
)

type verifyErrResp struct {
	Error string `json:"error"`
}

// participantID 兼容 auth-service 返回数字或字符串形式的 userId
type participantID string

func (p *participantID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*p = participantID(s)
		return nil
	}
	var n uint64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*p = participantID(strconv.FormatUint(n, 10))
	return nil
}

type VerifyClaims struct {
	UserID   participantID `json:"userId"`
	Username string        `json:"username"`
	Type     string        `json:"type"` // "access"
}

type AuthOptions struct {
	// Secret 非空时本地校验 HS256 token
	Secret string
	// VerifyURL 为 auth-service 的完整校验地址，如 http://auth:8081/v1/auth/verify
	VerifyURL string
	Timeout   time.Duration
}

// AuthMiddleware 从 Authorization 或 ?token= 提取 token 校验，写入 userId/username。
// Secret 和 VerifyURL 都为空时为开发模式：直接信任 ?participantId=&name=
func AuthMiddleware(opts AuthOptions) gin.HandlerFunc {
	if opts.Timeout <= 0 {
		opts.Timeout = 1200 * time.Millisecond
	}
	client := &http.Client{Timeout: opts.Timeout}
	verifyURL := strings.TrimRight(opts.VerifyURL, "/")

	return func(c *gin.Context) {
		if opts.Secret == "" && verifyURL == "" {
			pid := strings.TrimSpace(c.Query("participantId"))
			if pid == "" {
				abortUnauthenticated(c, "participantId is required in dev mode")
				return
			}
			name := strings.TrimSpace(c.Query("name"))
			if name == "" {
				name = pid
			}
			c.Set("userId", pid)
			c.Set("username", name)
			c.Next()
			return
		}

		tokenString := extractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			// WebSocket：浏览器无法自定义 Header，允许从 query ?token= 中获取
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			abortUnauthenticated(c, "Authorization header is missing or invalid")
			return
		}

		if opts.Secret != "" {
			claims, err := ParseAccessToken([]byte(opts.Secret), tokenString)
			if err != nil {
				abortUnauthenticated(c, err.Error())
				return
			}
			c.Set("userId", claims.Subject)
			c.Set("username", claims.Username)
			c.Next()
			return
		}

		claims, status, msg := verifyRemote(c.Request.Context(), client, verifyURL, tokenString)
		if status != http.StatusOK {
			c.AbortWithStatusJSON(status, gin.H{"code": codeFor(status), "message": msg})
			return
		}
		c.Set("userId", string(claims.UserID))
		c.Set("username", claims.Username)
		c.Next()
	}
}

func verifyRemote(ctx context.Context, client *http.Client, verifyURL, token string) (VerifyClaims, int, string) {
	ctx, cancel := context.WithTimeout(ctx, client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, verifyURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return VerifyClaims{}, http.StatusInternalServerError, "build verify request failed"
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		// 包含超时：context deadline exceeded
		logger.Ctx(ctx).Warn("auth verify failed", "err", err)
		return VerifyClaims{}, http.StatusBadGateway, "auth-service verify failed"
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		var e verifyErrResp
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = "invalid token"
		}
		return VerifyClaims{}, http.StatusUnauthorized, e.Error
	}
	if resp.StatusCode != http.StatusOK {
		return VerifyClaims{}, http.StatusBadGateway, "auth-service verify non-200"
	}

	var claims VerifyClaims
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil || claims.UserID == "" {
		return VerifyClaims{}, http.StatusBadGateway, "invalid verify response"
	}
	if claims.Type != "" && claims.Type != "access" {
		return VerifyClaims{}, http.StatusUnauthorized, "access token required"
	}
	return claims, http.StatusOK, ""
}

func abortUnauthenticated(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": msg})
}

func codeFor(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusInternalServerError:
		return "INTERNAL"
	default:
		return "AUTH_UPSTREAM_ERROR"
	}
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	// "Bearer" 前缀大小写不敏感
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
