package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

var (
	corsMethods = strings.Join([]string{
		http.MethodGet, http.MethodHead, http.MethodPut, http.MethodPost, http.MethodDelete, http.MethodOptions,
	}, ", ")

	// Headers a browser needs to send a signed request.
	corsAllowHeaders = strings.Join([]string{
		"Authorization", "Content-Type", "Content-MD5", "Content-Encoding", "Range",
		"If-Match", "If-None-Match", "If-Modified-Since", "If-Unmodified-Since",
		"X-Amz-Date", "X-Amz-Content-Sha256", "X-Amz-Decoded-Content-Length",
		"X-Amz-Security-Token", "X-Amz-User-Agent",
	}, ", ")

	// Response headers scripts may read.
	corsExposeHeaders = strings.Join([]string{
		"Content-Length", "Content-Range", "Content-Type", "Content-Disposition", "Content-Encoding",
		"Accept-Ranges", "ETag", "Last-Modified",
		"x-amz-request-id", "x-amz-bucket-region", "x-amz-mp-parts-count",
	}, ", ")

	corsMaxAge = strconv.Itoa(3600)
)

// CORS answers preflights without authentication and decorates every
// response that carries an Origin.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" {
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", corsMethods)
			c.Header("Access-Control-Expose-Headers", corsExposeHeaders)
			c.Header("Access-Control-Allow-Credentials", "true")
			// x-amz-meta-* cannot be listed up front, so echo what the browser asks for.
			if requested := c.Request.Header.Get("Access-Control-Request-Headers"); requested != "" {
				c.Header("Access-Control-Allow-Headers", requested)
			} else {
				c.Header("Access-Control-Allow-Headers", corsAllowHeaders)
			}
		}

		// Preflight requests carry no signature.
		if c.Request.Method == http.MethodOptions {
			if origin != "" {
				c.Header("Access-Control-Max-Age", corsMaxAge)
			}
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
