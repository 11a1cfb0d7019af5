package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gotomicro/ego/core/elog"
	"github.com/orcastor/s3gw/s3/util"
	"github.com/orcastor/s3gw/sigv4"
)

const IdentityKey = "s3gw.identity"

// S3Auth verifies the SigV4 signature of every request before any handler
// runs. Clients only ever see a generic AccessDenied; the reason is logged
// and counted.
func S3Auth(v *sigv4.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := v.Verify(c.Request)
		if err != nil {
			reason, akid := "Unknown", ""
			var rej *sigv4.Rejection
			if errors.As(err, &rej) {
				reason, akid = string(rej.Reason), rej.AccessKeyID
			}
			AuthRejected(reason)
			elog.Warn("s3 auth rejected",
				elog.String("reason", reason),
				elog.String("accessKeyId", akid),
				elog.String("requestId", util.RequestID(c)),
				elog.FieldErr(err))
			util.S3ErrorResponse(c, http.StatusForbidden, "AccessDenied", "Access Denied")
			c.Abort()
			return
		}

		c.Set(IdentityKey, id)
		c.Request.Body = id.Body(c.Request.Body)
		c.Next()
	}
}

func GetIdentity(c *gin.Context) *sigv4.Identity {
	if v, ok := c.Get(IdentityKey); ok {
		if id, ok := v.(*sigv4.Identity); ok {
			return id
		}
	}
	return nil
}

// ContentLength is the decoded body length, -1 when unknown.
func ContentLength(c *gin.Context) int64 {
	if id := GetIdentity(c); id != nil {
		return id.ContentLength(c.Request)
	}
	return c.Request.ContentLength
}
