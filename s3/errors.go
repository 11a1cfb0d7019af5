package s3

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gotomicro/ego/core/elog"
	"github.com/orcastor/s3gw/core"
	"github.com/orcastor/s3gw/s3/util"
)

type apiError struct {
	Code    string
	Message string
	Status  int
}

var apiErrors = []struct {
	err error
	api apiError
}{
	{core.ERR_AUTH_FAILED, apiError{"AccessDenied", "Access Denied", http.StatusForbidden}},
	{core.ERR_NO_SUCH_UPLOAD, apiError{"NoSuchUpload", "The specified multipart upload does not exist.", http.StatusNotFound}},
	{core.ERR_INVALID_PART_ORDER, apiError{"InvalidPartOrder", "The list of parts was not in ascending order.", http.StatusBadRequest}},
	{core.ERR_INVALID_PART, apiError{"InvalidPart", "One or more of the specified parts could not be found.", http.StatusBadRequest}},
	{core.ERR_NO_SUCH_KEY, apiError{"NoSuchKey", "The specified key does not exist.", http.StatusNotFound}},
	{core.ERR_NO_SUCH_BUCKET, apiError{"NoSuchBucket", "The specified bucket does not exist.", http.StatusNotFound}},
	{core.ERR_BUCKET_EXISTS, apiError{"BucketAlreadyOwnedByYou", "Your previous request to create the named bucket succeeded.", http.StatusConflict}},
	{core.ERR_BUCKET_NOT_EMPTY, apiError{"BucketNotEmpty", "The bucket you tried to delete is not empty.", http.StatusConflict}},
	{core.ERR_INVALID_BUCKET, apiError{"InvalidBucketName", "The specified bucket is not valid.", http.StatusBadRequest}},
	{core.ERR_BACKEND_UNAVAILABLE, apiError{"ServiceUnavailable", "Please reduce your request rate.", http.StatusServiceUnavailable}},
	{core.ERR_MALFORMED_XML, apiError{"MalformedXML", "The XML you provided was not well-formed.", http.StatusBadRequest}},
	{core.ERR_INVALID_ARGUMENT, apiError{"InvalidArgument", "Invalid Argument", http.StatusBadRequest}},
	{core.ERR_INVALID_RANGE, apiError{"InvalidRange", "The requested range is not satisfiable", http.StatusRequestedRangeNotSatisfiable}},
	{core.ERR_BAD_DIGEST, apiError{"XAmzContentSHA256Mismatch", "The provided 'x-amz-content-sha256' header does not match what was computed.", http.StatusBadRequest}},
	{core.ERR_INVALID_DIGEST, apiError{"InvalidDigest", "The Content-MD5 you specified is not valid.", http.StatusBadRequest}},
	{core.ERR_BAD_CONTENT_MD5, apiError{"BadDigest", "The Content-MD5 you specified did not match what we received.", http.StatusBadRequest}},
	{core.ERR_INCOMPLETE_BODY, apiError{"IncompleteBody", "You did not provide the number of bytes specified by the Content-Length HTTP header.", http.StatusBadRequest}},
	{core.ERR_PRECONDITION, apiError{"PreconditionFailed", "At least one of the preconditions you specified did not hold.", http.StatusPreconditionFailed}},
	{core.ERR_METHOD_NOT_ALLOWED, apiError{"MethodNotAllowed", "The specified method is not allowed against this resource.", http.StatusMethodNotAllowed}},
	{core.ERR_NOT_IMPLEMENTED, apiError{"NotImplemented", "A header you provided implies functionality that is not implemented.", http.StatusNotImplemented}},
	{context.Canceled, apiError{"RequestTimeout", "Your socket connection to the server was closed before the request completed.", http.StatusBadRequest}},
}

var errInternal = apiError{"InternalError", "We encountered an internal error. Please try again.", http.StatusInternalServerError}

// toAPIError picks the first matching entry; the order matters where one
// sentinel wraps another.
func toAPIError(err error) apiError {
	for _, e := range apiErrors {
		if errors.Is(err, e.err) {
			return e.api
		}
	}
	return errInternal
}

func writeError(c *gin.Context, err error) {
	api := toAPIError(err)
	if api.Status >= http.StatusInternalServerError {
		elog.Error("s3 request failed",
			elog.String("requestId", util.RequestID(c)),
			elog.String("operation", c.GetString(util.OperationKey)),
			elog.String("path", c.Request.URL.Path),
			elog.FieldErr(err))
	}
	util.S3ErrorResponse(c, api.Status, api.Code, api.Message)
}
