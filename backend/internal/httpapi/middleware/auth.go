package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUpstream     = errors.New("auth upstream error")
)

// Claims is the identity a verified token carries.
type Claims struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Type     string `json:"type"` // "access"
}

type Verifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// AuthMiddleware resolves the bearer token into userId and username on the
// gin context. Browsers cannot set headers on websocket requests, so ?token= is
// accepted too.
func AuthMiddleware(v Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 1200*time.Millisecond)
		defer cancel()
		claims, err := v.Verify(ctx, tokenString)
		switch {
		case errors.Is(err, ErrInvalidToken):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": err.Error()})
			return
		case err != nil:
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"code": "AUTH_UPSTREAM_ERROR", "message": "token verification failed"})
			return
		}
		if claims.Type != "" && claims.Type != "access" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "access token required",
			})
			return
		}

		c.Set("userId", claims.UserID)
		c.Set("username", claims.Username)
		c.Next()
	}
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// RemoteVerifier asks an identity service to verify tokens at POST <base>/v1/auth/verify.
type RemoteVerifier struct {
	verifyURL string
	client    *http.Client
}

// NewRemoteVerifier takes the service base URL without a path.
func NewRemoteVerifier(authBaseURL string, client *http.Client) *RemoteVerifier {
	if client == nil {
		client = &http.Client{}
	}
	return &RemoteVerifier{verifyURL: strings.TrimRight(authBaseURL, "/") + "/v1/auth/verify", client: client}
}

func (v *RemoteVerifier) Verify(ctx context.Context, token string) (*Claims, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, fmt.Errorf("%w: build verify request: %v", ErrUpstream, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, e.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: verify returned %d", ErrUpstream, resp.StatusCode)
	}
	var claims Claims
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, fmt.Errorf("%w: invalid verify response: %v", ErrUpstream, err)
	}
	return &claims, nil
}
