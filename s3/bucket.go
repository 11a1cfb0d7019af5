package s3

import (
	"io"
	"io/ioutil"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/orcastor/s3gw/core"
	"github.com/orcastor/s3gw/storage"
)

// listBuckets handles GET / - ListBuckets
func (s *Server) listBuckets(c *gin.Context, _, _ string) {
	buckets, err := s.backend.ListBuckets(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	result := ListAllMyBucketsResult{
		Owner:   owner(c),
		Buckets: make([]Bucket, 0, len(buckets)),
	}
	for _, b := range buckets {
		if strings.HasPrefix(b.Name, ".") {
			continue
		}
		result.Buckets = append(result.Buckets, Bucket{
			Name:         b.Name,
			CreationDate: isoTime(b.CreatedAt),
		})
	}
	writeXML(c, http.StatusOK, result)
}

// createBucket handles PUT /{bucket} - CreateBucket. A location
// constraint in the body is accepted and ignored.
func (s *Server) createBucket(c *gin.Context, bucket, _ string) {
	if !storage.ValidBucketName(bucket) {
		writeError(c, core.ERR_INVALID_BUCKET)
		return
	}
	if _, err := io.Copy(ioutil.Discard, c.Request.Body); err != nil {
		writeError(c, err)
		return
	}
	if err := s.backend.CreateBucket(c.Request.Context(), bucket); err != nil {
		writeError(c, err)
		return
	}
	c.Header("Location", "/"+bucket)
	c.Status(http.StatusOK)
}

// deleteBucket handles DELETE /{bucket} - DeleteBucket
func (s *Server) deleteBucket(c *gin.Context, bucket, _ string) {
	if len(s.tracker.ListUploads(bucket, "")) > 0 {
		writeError(c, core.ERR_BUCKET_NOT_EMPTY)
		return
	}
	if err := s.backend.DeleteBucket(c.Request.Context(), bucket); err != nil {
		writeError(c, err)
		return
	}
	noContent(c)
}

// headBucket handles HEAD /{bucket} - HeadBucket
func (s *Server) headBucket(c *gin.Context, bucket, _ string) {
	if _, err := s.backend.HeadBucket(c.Request.Context(), bucket); err != nil {
		writeError(c, err)
		return
	}
	c.Header("x-amz-bucket-region", s.region)
	c.Status(http.StatusOK)
}

// getBucketLocation handles GET /{bucket}?location
func (s *Server) getBucketLocation(c *gin.Context, bucket, _ string) {
	if _, err := s.backend.HeadBucket(c.Request.Context(), bucket); err != nil {
		writeError(c, err)
		return
	}
	loc := LocationConstraint{}
	// us-east-1 is reported as an empty constraint.
	if s.region != core.DEFAULT_REGION {
		loc.Location = s.region
	}
	writeXML(c, http.StatusOK, loc)
}
