package admin

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gotomicro/ego/core/elog"
	"github.com/orcastor/s3gw/admin/middleware"
	"github.com/orcastor/s3gw/core"
	"github.com/orcastor/s3gw/sigv4"
	"golang.org/x/crypto/bcrypt"
)

const (
	codeOK       = 0
	codeBadParam = 100
	codeNotFound = 101
	codeAuth     = 102
	codeBackend  = 103
)

func response(c *gin.Context, data gin.H) {
	c.AbortWithStatusJSON(200, gin.H{
		"code": codeOK,
		"data": data,
	})
}

func abort(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(200, gin.H{
		"code": code,
		"msg":  msg,
	})
}

func abortErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, core.ERR_UNKNOWN_ACCESS_KEY), errors.Is(err, core.ERR_NO_SUCH_BUCKET):
		abort(c, codeNotFound, err.Error())
	case errors.Is(err, core.ERR_BACKEND_UNAVAILABLE):
		elog.Error("admin backend failure", elog.String("path", c.FullPath()), elog.FieldErr(err))
		abort(c, codeBackend, core.ERR_BACKEND_UNAVAILABLE.Error())
	default:
		abort(c, codeBadParam, err.Error())
	}
}

func validKeyID(id string) bool {
	if len(id) < 3 || len(id) > 128 {
		return false
	}
	for _, r := range id {
		if !('a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9') {
			return false
		}
	}
	return true
}

func newSecret() (string, error) {
	b := make([]byte, 30)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func (s *Server) login(c *gin.Context) {
	var req struct {
		UserName string `json:"u"`
		Password string `json:"p"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, codeBadParam, err.Error())
		return
	}
	if s.cfg.User == "" || req.UserName != s.cfg.User ||
		bcrypt.CompareHashAndPassword([]byte(s.cfg.PasswordHash), []byte(req.Password)) != nil {
		elog.Warn("admin login failed", elog.String("user", req.UserName))
		abort(c, codeAuth, core.ERR_INCORRECT_PWD.Error())
		return
	}
	token, exp, err := middleware.GenerateToken(s.cfg.Secret, req.UserName)
	if err != nil {
		abort(c, codeAuth, err.Error())
		return
	}
	response(c, gin.H{
		"access_token": token,
		"expires_at":   exp,
	})
}

// putKey creates or rotates an access key. A missing secret is generated.
func (s *Server) putKey(c *gin.Context) {
	id := c.Param("id")
	if !validKeyID(id) {
		abort(c, codeBadParam, "access key id must be 3-128 alphanumeric characters")
		return
	}
	var req struct {
		Secret string `json:"secret"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, codeBadParam, err.Error())
			return
		}
	}
	if req.Secret == "" {
		secret, err := newSecret()
		if err != nil {
			abortErr(c, err)
			return
		}
		req.Secret = secret
	}
	if err := s.keys.PutSecret(c.Request.Context(), id, req.Secret); err != nil {
		abortErr(c, err)
		return
	}
	elog.Info("access key stored", elog.String("accessKeyId", id), elog.String("by", middleware.GetUser(c)))
	response(c, gin.H{
		"access_key_id": id,
		"secret":        req.Secret,
	})
}

func (s *Server) deleteKey(c *gin.Context) {
	id := c.Param("id")
	if err := s.keys.DeleteSecret(c.Request.Context(), id); err != nil {
		abortErr(c, err)
		return
	}
	elog.Info("access key deleted", elog.String("accessKeyId", id), elog.String("by", middleware.GetUser(c)))
	response(c, gin.H{})
}

func (s *Server) listUploads(c *gin.Context) {
	bucket := c.Query("bucket")
	if bucket == "" {
		abort(c, codeBadParam, "bucket is required")
		return
	}
	uploads := s.tracker.ListUploads(bucket, c.Query("prefix"))
	items := make([]gin.H, 0, len(uploads))
	for _, u := range uploads {
		items = append(items, gin.H{
			"upload_id":  u.ID,
			"key":        u.Key,
			"initiator":  u.Initiator,
			"created_at": u.CreatedAt.Unix(),
		})
	}
	response(c, gin.H{"uploads": items, "active": s.tracker.Active()})
}

// purgeUploads aborts uploads older than max_age seconds (default from
// config) and removes orphaned part data.
func (s *Server) purgeUploads(c *gin.Context) {
	var req struct {
		MaxAge int `json:"max_age"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, codeBadParam, err.Error())
			return
		}
	}
	if req.MaxAge <= 0 {
		req.MaxAge = s.maxAge
	}
	ctx := c.Request.Context()
	aborted := s.tracker.AbortStale(ctx, time.Duration(req.MaxAge)*time.Second)
	purged, err := s.tracker.PurgeOrphans(ctx)
	if err != nil {
		abortErr(c, err)
		return
	}
	response(c, gin.H{"aborted": aborted, "purged": purged})
}

// presign mints a presigned URL for an object on behalf of an access key.
func (s *Server) presign(c *gin.Context) {
	var req struct {
		AccessKeyID string `json:"access_key_id"`
		Endpoint    string `json:"endpoint"`
		Bucket      string `json:"bucket"`
		Key         string `json:"key"`
		Method      string `json:"method"`
		Expires     int    `json:"expires"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, codeBadParam, err.Error())
		return
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Expires == 0 {
		req.Expires = 3600
	}
	base, err := url.Parse(req.Endpoint)
	if err != nil || base.Host == "" || req.Bucket == "" || req.Key == "" {
		abort(c, codeBadParam, "endpoint, bucket and key are required")
		return
	}

	cred, err := s.keys.Resolve(c.Request.Context(), req.AccessKeyID)
	if err != nil {
		abortErr(c, err)
		return
	}
	target := strings.TrimSuffix(base.String(), "/") + "/" + req.Bucket + "/" + req.Key
	r, err := http.NewRequest(strings.ToUpper(req.Method), target, nil)
	if err != nil {
		abort(c, codeBadParam, err.Error())
		return
	}
	signer := &sigv4.Signer{AccessKeyID: cred.AccessKeyID, Secret: cred.Secret, Region: s.region}
	link, err := signer.Presign(r, time.Duration(req.Expires)*time.Second)
	if err != nil {
		abort(c, codeBadParam, err.Error())
		return
	}
	response(c, gin.H{"url": link})
}
