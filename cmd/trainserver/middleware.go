package main

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nixpig/trainrunner/internal/auth"
	"github.com/nixpig/trainrunner/internal/ratelimit"
)

// credentialKey is the gin context key the validated credential is stored
// under.
const credentialKey = "credential"

// requireCredential validates the caller's credential format before any
// handler runs. A request with an invalid credential never reaches the
// supervisor.
func (s *server) requireCredential(c *gin.Context) {
	credential := bearerToken(c)

	// EventSource can't set request headers, so stream viewers may pass the
	// key as a query parameter instead.
	if credential == "" {
		credential = c.Query("key")
	}

	if err := auth.ValidateCredential(credential); err != nil {
		s.writeError(c, http.StatusUnauthorized, codeValidationError, err.Error())
		return
	}

	c.Set(credentialKey, credential)

	c.Next()
}

// rateLimit applies one endpoint class's sliding-window budget, keyed by
// client IP.
func (s *server) rateLimit(limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(c.ClientIP()) {
			s.writeError(
				c,
				http.StatusTooManyRequests,
				codeRateLimited,
				"too many requests; slow down",
			)
			return
		}

		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")

	token, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return ""
	}

	return strings.TrimSpace(token)
}
