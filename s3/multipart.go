package s3

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/orcastor/s3gw/core"
	"github.com/orcastor/s3gw/multipart"
	"github.com/orcastor/s3gw/s3/middleware"
	"github.com/orcastor/s3gw/s3/util"
	"github.com/orcastor/s3gw/storage"
)

func (s *Server) updateGauge() {
	middleware.ActiveUploads(s.tracker.Active())
}

// createMultipartUpload handles POST /{bucket}/{key}?uploads
func (s *Server) createMultipartUpload(c *gin.Context, bucket, key string) {
	opts := putOptions(c)
	if opts.ContentType == "" {
		opts.ContentType = defaultContentType
	}
	initiator := owner(c).ID
	u, err := s.tracker.Create(c.Request.Context(), storage.ObjectKey{Bucket: bucket, Key: key}, opts, initiator)
	if err != nil {
		writeError(c, err)
		return
	}
	s.updateGauge()
	writeXML(c, http.StatusOK, InitiateMultipartUploadResult{
		Bucket:   bucket,
		Key:      key,
		UploadID: u.ID,
	})
}

// uploadPart handles PUT /{bucket}/{key}?partNumber={n}&uploadId={id}
func (s *Server) uploadPart(c *gin.Context, bucket, key string) {
	number, err := strconv.Atoi(c.Query("partNumber"))
	if err != nil {
		writeError(c, fmt.Errorf("%w: partNumber must be an integer", core.ERR_INVALID_ARGUMENT))
		return
	}
	body, err := requestBody(c)
	if err != nil {
		writeError(c, err)
		return
	}
	p, err := s.tracker.UploadPart(c.Request.Context(), c.Query("uploadId"),
		storage.ObjectKey{Bucket: bucket, Key: key}, number, body, middleware.ContentLength(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("ETag", util.Quote(p.ETag))
	c.Status(http.StatusOK)
}

// completeMultipartUpload handles POST /{bucket}/{key}?uploadId={id}
func (s *Server) completeMultipartUpload(c *gin.Context, bucket, key string) {
	req, err := parseCompleteBody(c.Request.Body)
	if err != nil {
		writeError(c, err)
		return
	}
	parts := make([]multipart.CompletedPart, len(req.Parts))
	for i, p := range req.Parts {
		parts[i] = multipart.CompletedPart{Number: p.PartNumber, ETag: p.ETag}
	}

	info, err := s.tracker.Complete(c.Request.Context(), c.Query("uploadId"), storage.ObjectKey{Bucket: bucket, Key: key}, parts)
	if err != nil {
		writeError(c, err)
		return
	}
	s.updateGauge()
	writeXML(c, http.StatusOK, CompleteMultipartUploadResult{
		Location: fmt.Sprintf("/%s/%s", bucket, key),
		Bucket:   bucket,
		Key:      key,
		ETag:     util.Quote(info.ETag),
	})
}

// abortMultipartUpload handles DELETE /{bucket}/{key}?uploadId={id}
func (s *Server) abortMultipartUpload(c *gin.Context, bucket, key string) {
	if err := s.tracker.Abort(c.Request.Context(), c.Query("uploadId"), storage.ObjectKey{Bucket: bucket, Key: key}); err != nil {
		writeError(c, err)
		return
	}
	s.updateGauge()
	noContent(c)
}

// listParts handles GET /{bucket}/{key}?uploadId={id}
func (s *Server) listParts(c *gin.Context, bucket, key string) {
	max, err := maxKeys(c, "max-parts")
	if err != nil {
		writeError(c, err)
		return
	}
	marker := 0
	if v := c.Query("part-number-marker"); v != "" {
		if marker, err = strconv.Atoi(v); err != nil || marker < 0 {
			writeError(c, fmt.Errorf("%w: invalid part-number-marker", core.ERR_INVALID_ARGUMENT))
			return
		}
	}
	uploadID := c.Query("uploadId")
	parts, next, err := s.tracker.ListParts(uploadID, storage.ObjectKey{Bucket: bucket, Key: key}, marker, max)
	if err != nil {
		writeError(c, err)
		return
	}

	o := owner(c)
	res := ListPartsResult{
		Bucket:               bucket,
		Key:                  key,
		UploadID:             uploadID,
		Initiator:            o,
		Owner:                o,
		StorageClass:         storageClass,
		PartNumberMarker:     marker,
		NextPartNumberMarker: next,
		MaxParts:             max,
		IsTruncated:          next != 0,
		Parts:                make([]PartItem, 0, len(parts)),
	}
	for _, p := range parts {
		res.Parts = append(res.Parts, PartItem{
			PartNumber:   p.Number,
			LastModified: isoTime(p.LastModified),
			ETag:         util.Quote(p.ETag),
			Size:         p.Size,
		})
	}
	writeXML(c, http.StatusOK, res)
}

// listMultipartUploads handles GET /{bucket}?uploads
func (s *Server) listMultipartUploads(c *gin.Context, bucket, _ string) {
	if _, err := s.backend.HeadBucket(c.Request.Context(), bucket); err != nil {
		writeError(c, err)
		return
	}
	max, err := maxKeys(c, "max-uploads")
	if err != nil {
		writeError(c, err)
		return
	}
	keyMarker, idMarker := c.Query("key-marker"), c.Query("upload-id-marker")
	res := ListMultipartUploadsResult{
		Bucket:         bucket,
		KeyMarker:      keyMarker,
		UploadIDMarker: idMarker,
		Prefix:         c.Query("prefix"),
		MaxUploads:     max,
		Uploads:        make([]UploadItem, 0),
	}

	// Uploads sort by key, then by creation. Without an id marker every
	// upload of the marker key is skipped.
	skipping := keyMarker != ""
	for _, u := range s.tracker.ListUploads(bucket, res.Prefix) {
		if skipping {
			if u.Key < keyMarker {
				continue
			}
			if u.Key == keyMarker {
				if idMarker != "" && u.ID == idMarker {
					skipping = false
				}
				continue
			}
			skipping = false
		}
		if len(res.Uploads) == max {
			res.IsTruncated = true
			break
		}
		initiator := Owner{ID: u.Initiator, DisplayName: u.Initiator}
		res.Uploads = append(res.Uploads, UploadItem{
			Key:          u.Key,
			UploadID:     u.ID,
			Initiator:    initiator,
			Owner:        initiator,
			StorageClass: storageClass,
			Initiated:    isoTime(u.CreatedAt),
		})
	}
	if res.IsTruncated && len(res.Uploads) > 0 {
		last := res.Uploads[len(res.Uploads)-1]
		res.NextKeyMarker, res.NextUploadIDMarker = last.Key, last.UploadID
	}
	writeXML(c, http.StatusOK, res)
}
