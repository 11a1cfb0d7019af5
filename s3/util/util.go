package util

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/orcastor/s3gw/core"
)

const (
	RequestIDKey = "s3gw.requestId"
	OperationKey = "s3gw.operation"

	HeaderRequestID = "x-amz-request-id"
)

// S3Error represents an S3 error response
type S3Error struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Resource  string   `xml:"Resource,omitempty"`
	RequestID string   `xml:"RequestId,omitempty"`
}

func RequestID(c *gin.Context) string {
	return c.GetString(RequestIDKey)
}

// S3ErrorResponse sends an S3-compatible error response
func S3ErrorResponse(c *gin.Context, statusCode int, code, message string) {
	body := S3Error{
		Code:      code,
		Message:   message,
		Resource:  c.Request.URL.Path,
		RequestID: RequestID(c),
	}
	out, err := xml.Marshal(body)
	if err != nil {
		c.Status(statusCode)
		return
	}
	c.Data(statusCode, "application/xml", append([]byte(xml.Header), out...))
}

// RangeSpec is an inclusive byte range.
type RangeSpec struct {
	Start int64
	End   int64
}

func (r *RangeSpec) Length() int64 {
	return r.End - r.Start + 1
}

// ParseRangeHeader parses a single-range Range header against fileSize:
//   - bytes=start-end
//   - bytes=start- (from start to end of file)
//   - bytes=-suffix (last suffix bytes)
//
// An absent, malformed or multi-range header yields nil and the whole
// object is served. A well-formed range past the end is ERR_INVALID_RANGE.
func ParseRangeHeader(rangeHeader string, fileSize int64) (*RangeSpec, error) {
	if !strings.HasPrefix(rangeHeader, "bytes=") {
		return nil, nil
	}
	spec := strings.TrimSpace(strings.TrimPrefix(rangeHeader, "bytes="))
	if strings.Contains(spec, ",") {
		return nil, nil
	}
	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, nil
	}

	if first == "" {
		suffix, err := strconv.ParseInt(last, 10, 64)
		if err != nil || suffix < 0 {
			return nil, nil
		}
		if suffix == 0 || fileSize == 0 {
			return nil, core.ERR_INVALID_RANGE
		}
		start := fileSize - suffix
		if start < 0 {
			start = 0
		}
		return &RangeSpec{Start: start, End: fileSize - 1}, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return nil, nil
	}
	end := fileSize - 1
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return nil, nil
		}
	}
	if start >= fileSize {
		return nil, core.ERR_INVALID_RANGE
	}
	if end >= fileSize {
		end = fileSize - 1
	}
	return &RangeSpec{Start: start, End: end}, nil
}

// FormatContentRangeHeader formats the Content-Range header
// Format: bytes start-end/total
func FormatContentRangeHeader(start, end, total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", start, end, total)
}

// Quote wraps an etag in the double quotes S3 sends on the wire.
func Quote(etag string) string {
	return `"` + etag + `"`
}
