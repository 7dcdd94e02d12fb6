package httpapi

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/otherjamesbrown/lexireport/pkg/logging"
)

const (
	requestIDKey = "requestId"
	userIDKey    = "userId"

	// HeaderRequestID carries the request id in both directions.
	HeaderRequestID = "X-Request-Id"
)

// RequestID attaches a request id to the context and response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = newRequestID()
		}
		c.Set(requestIDKey, id)
		c.Writer.Header().Set(HeaderRequestID, id)
		c.Next()
	}
}

// Logging writes one structured line per request.
func Logging(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []logging.Field{
			logging.F("request_id", c.GetString(requestIDKey)),
			logging.F("method", c.Request.Method),
			logging.F("path", c.FullPath()),
			logging.F("status", c.Writer.Status()),
			logging.F("duration_ms", float64(time.Since(start).Microseconds())/1000.0),
		}
		if user := c.GetString(userIDKey); user != "" {
			fields = append(fields, logging.F("user_id", user))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, logging.Err(c.Errors.Last().Err))
		}

		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			logger.Error("Request failed", fields...)
		case c.Writer.Status() >= http.StatusBadRequest:
			logger.Warn("Request rejected", fields...)
		default:
			logger.Debug("Request complete", fields...)
		}
	}
}

// Recovery turns a panic into a 500 response.
func Recovery(logger logging.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.Error("Handler panicked",
			logging.F("request_id", c.GetString(requestIDKey)),
			logging.F("panic", recovered))
		respondError(c, http.StatusInternalServerError, "internal_error", "internal error")
	})
}

// Auth resolves the caller from a bearer token. tokens maps token to user
// id. With no tokens configured, the X-User-Id header is trusted.
func Auth(tokens map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(tokens) == 0 {
			user := strings.TrimSpace(c.GetHeader("X-User-Id"))
			if user == "" {
				respondError(c, http.StatusUnauthorized, "unauthorized", "missing identity")
				return
			}
			c.Set(userIDKey, user)
			c.Next()
			return
		}

		header := strings.TrimSpace(c.GetHeader("Authorization"))
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer"))
		if !strings.HasPrefix(header, "Bearer ") || token == "" {
			respondError(c, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
			return
		}
		for known, user := range tokens {
			if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
				c.Set(userIDKey, user)
				c.Next()
				return
			}
		}
		respondError(c, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
	}
}

// UserID returns the caller resolved by Auth.
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

func newRequestID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return time.Now().UTC().Format("20060102150405.000000000")
	}
	return hex.EncodeToString(b[:])
}
