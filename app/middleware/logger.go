package middleware

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/pretty"

	"taskledger/pkg/logger"
)

// Logger logs every request with latency and, for POST requests, a compacted
// snapshot of the body.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		var bodyStr string
		if c.Request.Method == http.MethodPost {
			bodyStr = getRequestBody(c)
		}

		c.Next()

		// Skip logging for 404 requests
		if c.Writer.Status() == http.StatusNotFound {
			return
		}

		latency := time.Since(startTime)
		if bodyStr != "" {
			logger.InfoCtx(c.Request.Context(), "[GIN] %3d | %13v | %15s | %s %s | body: %s",
				c.Writer.Status(), latency, c.ClientIP(), c.Request.Method, c.Request.RequestURI, bodyStr)
			return
		}
		logger.InfoCtx(c.Request.Context(), "[GIN] %3d | %13v | %15s | %s %s",
			c.Writer.Status(), latency, c.ClientIP(), c.Request.Method, c.Request.RequestURI)
	}
}

// getRequestBody gets request body content
func getRequestBody(c *gin.Context) string {
	var bodyBytes []byte
	if c.Request.Body != nil {
		bodyBytes, _ = io.ReadAll(c.Request.Body)
		// Reset request body since reading it clears it
		c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	}
	return CompressBody(string(bodyBytes))
}

// CompressBody compresses JSON using pretty package
func CompressBody(body string) string {
	if len(body) == 0 {
		return ""
	}

	// ugly=true removes all whitespace
	compressed := pretty.Ugly([]byte(body))
	if len(compressed) > 1000 {
		return string(compressed[:1000]) + "..."
	}
	return string(compressed)
}
