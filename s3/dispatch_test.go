package s3

import (
	"net/url"
	"testing"

	"github.com/orcastor/s3gw/core"
	. "github.com/smartystreets/goconvey/convey"
)

func TestResolveOperation(t *testing.T) {
	Convey("Request shapes map to one operation", t, func() {
		cases := []struct {
			method, bucket, key, query string
			op                         Operation
		}{
			{"GET", "", "", "", OpListBuckets},
			{"PUT", "b", "", "", OpCreateBucket},
			{"DELETE", "b", "", "", OpDeleteBucket},
			{"HEAD", "b", "", "", OpHeadBucket},
			{"GET", "b", "", "location", OpGetBucketLocation},
			{"GET", "b", "", "prefix=a", OpListObjects},
			{"GET", "b", "", "list-type=2", OpListObjectsV2},
			{"GET", "b", "", "uploads", OpListMultipartUploads},
			{"GET", "b", "k", "", OpGetObject},
			{"HEAD", "b", "k", "", OpHeadObject},
			{"PUT", "b", "k", "", OpPutObject},
			{"DELETE", "b", "k", "", OpDeleteObject},
			{"POST", "b", "k", "uploads", OpCreateMultipartUpload},
			{"PUT", "b", "k", "partNumber=1&uploadId=u", OpUploadPart},
			{"POST", "b", "k", "uploadId=u", OpCompleteMultipartUpload},
			{"DELETE", "b", "k", "uploadId=u", OpAbortMultipartUpload},
			{"GET", "b", "k", "uploadId=u", OpListParts},
			{"GET", "b", "a/b/c", "response-content-type=text/plain", OpGetObject},
		}
		for _, tc := range cases {
			q, err := url.ParseQuery(tc.query)
			So(err, ShouldBeNil)
			op, err := resolveOperation(tc.method, tc.bucket, tc.key, q)
			So(err, ShouldBeNil)
			So(op.String(), ShouldEqual, tc.op.String())
		}
	})

	Convey("Unsupported sub-resources are not implemented", t, func() {
		for _, query := range []string{"acl", "tagging", "versioning", "delete", "policy"} {
			q, _ := url.ParseQuery(query)
			op, err := resolveOperation("GET", "b", "", q)
			So(op, ShouldEqual, OpUnknown)
			So(err, ShouldEqual, core.ERR_NOT_IMPLEMENTED)
		}
	})

	Convey("Half a part address is an invalid argument", t, func() {
		for _, query := range []string{"uploadId=u", "partNumber=2"} {
			q, _ := url.ParseQuery(query)
			_, err := resolveOperation("PUT", "b", "k", q)
			So(err, ShouldEqual, core.ERR_INVALID_ARGUMENT)
		}
	})

	Convey("Anything else is not allowed", t, func() {
		cases := []struct{ method, bucket, key, query string }{
			{"PUT", "", "", ""},
			{"POST", "b", "", ""},
			{"POST", "b", "k", ""},
			{"PATCH", "b", "k", ""},
			{"DELETE", "", "", ""},
		}
		for _, tc := range cases {
			q, _ := url.ParseQuery(tc.query)
			op, err := resolveOperation(tc.method, tc.bucket, tc.key, q)
			So(op, ShouldEqual, OpUnknown)
			So(err, ShouldEqual, core.ERR_METHOD_NOT_ALLOWED)
		}
	})

	Convey("Out of range operations print as Unknown", t, func() {
		So(Operation(-1).String(), ShouldEqual, "Unknown")
		So(Operation(999).String(), ShouldEqual, "Unknown")
		So(OpListParts.String(), ShouldEqual, "ListParts")
	})
}
