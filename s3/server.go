// Package s3 serves the S3 REST API over a storage.Backend and a
// multipart.Tracker.
package s3

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/orcastor/s3gw/core"
	"github.com/orcastor/s3gw/multipart"
	"github.com/orcastor/s3gw/s3/middleware"
	"github.com/orcastor/s3gw/s3/util"
	"github.com/orcastor/s3gw/sigv4"
	"github.com/orcastor/s3gw/storage"
)

type Server struct {
	backend storage.Backend
	tracker *multipart.Tracker
	region  string
}

func NewServer(backend storage.Backend, tracker *multipart.Tracker, region string) *Server {
	if region == "" {
		region = core.DEFAULT_REGION
	}
	return &Server{backend: backend, tracker: tracker, region: region}
}

// Mount installs the middleware chain and the S3 routes on r. Every route
// funnels into one dispatcher so unknown shapes get S3 errors rather than
// gin's 404.
func (s *Server) Mount(r gin.IRoutes, verifier *sigv4.Verifier) {
	r.Use(middleware.RequestID())
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS())
	r.Use(middleware.S3Auth(verifier))

	r.Any("/", s.dispatch)
	r.Any("/:bucket", s.dispatch)
	r.Any("/:bucket/*key", s.dispatch)
}

// NewRouter builds a standalone engine, mostly for tests.
func NewRouter(s *Server, verifier *sigv4.Verifier) *gin.Engine {
	e := gin.New()
	e.Use(gin.Recovery())
	s.Mount(e, verifier)
	return e
}

type handlerFunc func(s *Server, c *gin.Context, bucket, key string)

var handlers = map[Operation]handlerFunc{
	OpListBuckets:             (*Server).listBuckets,
	OpCreateBucket:            (*Server).createBucket,
	OpDeleteBucket:            (*Server).deleteBucket,
	OpHeadBucket:              (*Server).headBucket,
	OpGetBucketLocation:       (*Server).getBucketLocation,
	OpListObjects:             (*Server).listObjects,
	OpListObjectsV2:           (*Server).listObjectsV2,
	OpListMultipartUploads:    (*Server).listMultipartUploads,
	OpGetObject:               (*Server).getObject,
	OpHeadObject:              (*Server).headObject,
	OpPutObject:               (*Server).putObject,
	OpDeleteObject:            (*Server).deleteObject,
	OpCreateMultipartUpload:   (*Server).createMultipartUpload,
	OpUploadPart:              (*Server).uploadPart,
	OpCompleteMultipartUpload: (*Server).completeMultipartUpload,
	OpAbortMultipartUpload:    (*Server).abortMultipartUpload,
	OpListParts:               (*Server).listParts,
}

func (s *Server) dispatch(c *gin.Context) {
	bucket := c.Param("bucket")
	key := strings.TrimPrefix(c.Param("key"), "/")

	op, err := resolveOperation(c.Request.Method, bucket, key, c.Request.URL.Query())
	c.Set(util.OperationKey, op.String())
	if err != nil {
		writeError(c, err)
		return
	}
	// Dot-prefixed buckets are internal.
	if strings.HasPrefix(bucket, ".") {
		writeError(c, core.ERR_INVALID_BUCKET)
		return
	}
	handlers[op](s, c, bucket, key)
}

func owner(c *gin.Context) Owner {
	o := Owner{}
	if id := middleware.GetIdentity(c); id != nil {
		o.ID, o.DisplayName = id.AccessKeyID, id.AccessKeyID
	}
	return o
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
