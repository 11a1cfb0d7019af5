package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/orcastor/s3gw/core"
	"github.com/orcastor/s3gw/s3/util"
)

// RequestID tags every request with an id echoed in x-amz-request-id and
// in error documents, so client reports can be matched to server logs.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := core.NewIDString()
		c.Set(util.RequestIDKey, id)
		c.Header(util.HeaderRequestID, id)
		c.Next()
	}
}
