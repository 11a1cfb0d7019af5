package s3

import (
	"net/http"
	"net/url"

	"github.com/orcastor/s3gw/core"
)

type Operation int

const (
	OpUnknown Operation = iota
	OpListBuckets
	OpCreateBucket
	OpDeleteBucket
	OpHeadBucket
	OpGetBucketLocation
	OpListObjects
	OpListObjectsV2
	OpListMultipartUploads
	OpGetObject
	OpHeadObject
	OpPutObject
	OpDeleteObject
	OpCreateMultipartUpload
	OpUploadPart
	OpCompleteMultipartUpload
	OpAbortMultipartUpload
	OpListParts
)

var opNames = [...]string{
	OpUnknown:                 "Unknown",
	OpListBuckets:             "ListBuckets",
	OpCreateBucket:            "CreateBucket",
	OpDeleteBucket:            "DeleteBucket",
	OpHeadBucket:              "HeadBucket",
	OpGetBucketLocation:       "GetBucketLocation",
	OpListObjects:             "ListObjects",
	OpListObjectsV2:           "ListObjectsV2",
	OpListMultipartUploads:    "ListMultipartUploads",
	OpGetObject:               "GetObject",
	OpHeadObject:              "HeadObject",
	OpPutObject:               "PutObject",
	OpDeleteObject:            "DeleteObject",
	OpCreateMultipartUpload:   "CreateMultipartUpload",
	OpUploadPart:              "UploadPart",
	OpCompleteMultipartUpload: "CompleteMultipartUpload",
	OpAbortMultipartUpload:    "AbortMultipartUpload",
	OpListParts:               "ListParts",
}

func (o Operation) String() string {
	if o < 0 || int(o) >= len(opNames) {
		return opNames[OpUnknown]
	}
	return opNames[o]
}

// Sub-resources the gateway recognizes but does not serve.
var unsupported = []string{
	"accelerate", "acl", "analytics", "attributes", "cors", "delete", "encryption",
	"intelligent-tiering", "inventory", "legal-hold", "lifecycle", "logging", "metrics",
	"notification", "object-lock", "ownershipControls", "policy", "policyStatus",
	"publicAccessBlock", "replication", "requestPayment", "restore", "retention", "select",
	"tagging", "torrent", "versioning", "versions", "website",
}

// resolveOperation maps a request shape to one operation. It never
// touches the backend.
func resolveOperation(method, bucket, key string, q url.Values) (Operation, error) {
	for _, sub := range unsupported {
		if _, ok := q[sub]; ok {
			return OpUnknown, core.ERR_NOT_IMPLEMENTED
		}
	}
	has := func(name string) bool {
		_, ok := q[name]
		return ok
	}

	switch {
	case bucket == "":
		if method == http.MethodGet {
			return OpListBuckets, nil
		}

	case key == "":
		switch method {
		case http.MethodGet:
			switch {
			case has("uploads"):
				return OpListMultipartUploads, nil
			case has("location"):
				return OpGetBucketLocation, nil
			case q.Get("list-type") == "2":
				return OpListObjectsV2, nil
			}
			return OpListObjects, nil
		case http.MethodPut:
			return OpCreateBucket, nil
		case http.MethodDelete:
			return OpDeleteBucket, nil
		case http.MethodHead:
			return OpHeadBucket, nil
		}

	default:
		uploadID := has("uploadId")
		switch method {
		case http.MethodGet:
			if uploadID {
				return OpListParts, nil
			}
			return OpGetObject, nil
		case http.MethodHead:
			return OpHeadObject, nil
		case http.MethodPut:
			switch {
			case uploadID && has("partNumber"):
				return OpUploadPart, nil
			case uploadID || has("partNumber"):
				return OpUnknown, core.ERR_INVALID_ARGUMENT
			}
			return OpPutObject, nil
		case http.MethodPost:
			switch {
			case has("uploads"):
				return OpCreateMultipartUpload, nil
			case uploadID:
				return OpCompleteMultipartUpload, nil
			}
		case http.MethodDelete:
			if uploadID {
				return OpAbortMultipartUpload, nil
			}
			return OpDeleteObject, nil
		}
	}
	return OpUnknown, core.ERR_METHOD_NOT_ALLOWED
}
