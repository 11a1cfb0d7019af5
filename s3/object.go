package s3

import (
	"bufio"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"hash"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/h2non/filetype"
	"github.com/orcastor/s3gw/core"
	"github.com/orcastor/s3gw/s3/middleware"
	"github.com/orcastor/s3gw/s3/util"
	"github.com/orcastor/s3gw/storage"
)

const (
	metaPrefix         = "x-amz-meta-"
	defaultContentType = "application/octet-stream"
	// filetype needs at most this many leading bytes.
	sniffLen = 262
)

// Query parameters that override response headers on GET, as used by
// presigned download links.
var responseOverrides = map[string]string{
	"response-content-type":        "Content-Type",
	"response-content-language":    "Content-Language",
	"response-expires":             "Expires",
	"response-cache-control":       "Cache-Control",
	"response-content-disposition": "Content-Disposition",
	"response-content-encoding":    "Content-Encoding",
}

func userMetadata(h http.Header) map[string]string {
	var meta map[string]string
	for k, v := range h {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, metaPrefix) && len(v) > 0 {
			if meta == nil {
				meta = make(map[string]string)
			}
			meta[strings.TrimPrefix(lk, metaPrefix)] = v[0]
		}
	}
	return meta
}

func putOptions(c *gin.Context) storage.PutOptions {
	return storage.PutOptions{
		ContentType: c.GetHeader("Content-Type"),
		Metadata:    userMetadata(c.Request.Header),
	}
}

// sniff fills in a missing content type from the leading bytes of body.
func sniff(body io.Reader, contentType string) (io.Reader, string) {
	if contentType != "" {
		return body, contentType
	}
	br := bufio.NewReaderSize(body, sniffLen)
	head, _ := br.Peek(sniffLen)
	if kind, err := filetype.Match(head); err == nil && kind != filetype.Unknown {
		return br, kind.MIME.Value
	}
	return br, defaultContentType
}

// md5Reader checks a Content-MD5 header once the body is exhausted.
type md5Reader struct {
	r    io.Reader
	h    hash.Hash
	want []byte
}

func (m *md5Reader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	m.h.Write(p[:n])
	if err == io.EOF && string(m.h.Sum(nil)) != string(m.want) {
		return n, core.ERR_BAD_CONTENT_MD5
	}
	return n, err
}

// requestBody wraps the (already signature checked) body with the
// Content-MD5 check when the client sent one.
func requestBody(c *gin.Context) (io.Reader, error) {
	v := c.GetHeader("Content-MD5")
	if v == "" {
		return c.Request.Body, nil
	}
	want, err := base64.StdEncoding.DecodeString(v)
	if err != nil || len(want) != md5.Size {
		return nil, core.ERR_INVALID_DIGEST
	}
	return &md5Reader{r: c.Request.Body, h: md5.New(), want: want}, nil
}

func setObjectHeaders(c *gin.Context, info *storage.ObjectInfo) {
	ct := info.ContentType
	if ct == "" {
		ct = defaultContentType
	}
	c.Header("Content-Type", ct)
	c.Header("ETag", util.Quote(info.ETag))
	c.Header("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	c.Header("Accept-Ranges", "bytes")
	for k, v := range info.Metadata {
		c.Header(metaPrefix+k, v)
	}
	if strings.Contains(info.ETag, "-") {
		c.Header("x-amz-mp-parts-count", info.ETag[strings.LastIndex(info.ETag, "-")+1:])
	}
}

// checkPreconditions evaluates If-Match, If-None-Match, If-Modified-Since
// and If-Unmodified-Since. It returns the status to answer with, or 0.
func checkPreconditions(c *gin.Context, info *storage.ObjectInfo) int {
	etag := util.Quote(info.ETag)
	matches := func(h string) bool {
		for _, v := range strings.Split(h, ",") {
			v = strings.TrimSpace(v)
			if v == "*" || v == etag || v == info.ETag {
				return true
			}
		}
		return false
	}
	mtime := info.LastModified.Truncate(time.Second)

	if h := c.GetHeader("If-Match"); h != "" {
		if !matches(h) {
			return http.StatusPreconditionFailed
		}
	} else if h := c.GetHeader("If-Unmodified-Since"); h != "" {
		if t, err := http.ParseTime(h); err == nil && mtime.After(t) {
			return http.StatusPreconditionFailed
		}
	}
	if h := c.GetHeader("If-None-Match"); h != "" {
		if matches(h) {
			return http.StatusNotModified
		}
	} else if h := c.GetHeader("If-Modified-Since"); h != "" {
		if t, err := http.ParseTime(h); err == nil && !mtime.After(t) {
			return http.StatusNotModified
		}
	}
	return 0
}

func answerPrecondition(c *gin.Context, status int, info *storage.ObjectInfo) {
	if status == http.StatusNotModified {
		c.Header("ETag", util.Quote(info.ETag))
		c.Header("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
		c.Status(status)
		return
	}
	writeError(c, core.ERR_PRECONDITION)
}

// getObject handles GET /{bucket}/{key} - GetObject, with single ranges.
func (s *Server) getObject(c *gin.Context, bucket, key string) {
	ctx := c.Request.Context()
	okey := storage.ObjectKey{Bucket: bucket, Key: key}

	info, err := s.backend.Stat(ctx, okey)
	if err != nil {
		writeError(c, err)
		return
	}
	if status := checkPreconditions(c, info); status != 0 {
		answerPrecondition(c, status, info)
		return
	}

	spec, err := util.ParseRangeHeader(c.GetHeader("Range"), info.Size)
	if err != nil {
		c.Header("Content-Range", fmt.Sprintf("bytes */%d", info.Size))
		writeError(c, err)
		return
	}
	var rng *storage.Range
	if spec != nil {
		rng = &storage.Range{Offset: spec.Start, Length: spec.Length()}
	}

	info, rc, err := s.backend.Get(ctx, okey, rng)
	if err != nil {
		writeError(c, err)
		return
	}
	defer rc.Close()

	setObjectHeaders(c, info)
	for q, h := range responseOverrides {
		if v := c.Query(q); v != "" {
			c.Header(h, v)
		}
	}

	status, length := http.StatusOK, info.Size
	if spec != nil {
		// The object may have shrunk between Stat and Get.
		end := spec.End
		if end >= info.Size {
			end = info.Size - 1
		}
		status, length = http.StatusPartialContent, end-spec.Start+1
		c.Header("Content-Range", util.FormatContentRangeHeader(spec.Start, end, info.Size))
	}
	c.Header("Content-Length", strconv.FormatInt(length, 10))
	c.Status(status)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		// Headers are gone already; the client sees a short body.
		c.Error(err)
	}
}

// headObject handles HEAD /{bucket}/{key} - HeadObject
func (s *Server) headObject(c *gin.Context, bucket, key string) {
	info, err := s.backend.Stat(c.Request.Context(), storage.ObjectKey{Bucket: bucket, Key: key})
	if err != nil {
		writeError(c, err)
		return
	}
	if status := checkPreconditions(c, info); status != 0 {
		answerPrecondition(c, status, info)
		return
	}
	setObjectHeaders(c, info)
	c.Header("Content-Length", strconv.FormatInt(info.Size, 10))
	c.Status(http.StatusOK)
}

// putObject handles PUT /{bucket}/{key} - PutObject
func (s *Server) putObject(c *gin.Context, bucket, key string) {
	if c.GetHeader("x-amz-copy-source") != "" {
		writeError(c, core.ERR_NOT_IMPLEMENTED)
		return
	}
	body, err := requestBody(c)
	if err != nil {
		writeError(c, err)
		return
	}
	opts := putOptions(c)
	body, opts.ContentType = sniff(body, opts.ContentType)

	info, err := s.backend.Put(c.Request.Context(), storage.ObjectKey{Bucket: bucket, Key: key},
		body, middleware.ContentLength(c), opts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("ETag", util.Quote(info.ETag))
	c.Status(http.StatusOK)
}

// deleteObject handles DELETE /{bucket}/{key} - DeleteObject
func (s *Server) deleteObject(c *gin.Context, bucket, key string) {
	if err := s.backend.Delete(c.Request.Context(), storage.ObjectKey{Bucket: bucket, Key: key}); err != nil {
		writeError(c, err)
		return
	}
	noContent(c)
}
