package s3

import (
	"bytes"
	"io/ioutil"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	awss3 "github.com/aws/aws-sdk-go/service/s3"
	. "github.com/smartystreets/goconvey/convey"
)

func newSDKClient(endpoint string) *awss3.S3 {
	sess := session.Must(session.NewSession(&aws.Config{
		Region:           aws.String(testRegion),
		Endpoint:         aws.String(endpoint),
		Credentials:      credentials.NewStaticCredentials(testAKID, testSecret, ""),
		S3ForcePathStyle: aws.Bool(true),
		DisableSSL:       aws.Bool(true),
		MaxRetries:       aws.Int(0),
	}))
	return awss3.New(sess)
}

func awsCode(err error) string {
	if aerr, ok := err.(awserr.Error); ok {
		return aerr.Code()
	}
	return ""
}

func TestWithAWSSDK(t *testing.T) {
	Convey("Given an aws-sdk-go client against the gateway", t, func() {
		env := newEnv(t)
		srv := httptest.NewServer(env.router)
		defer srv.Close()
		cli := newSDKClient(srv.URL)

		_, err := cli.CreateBucket(&awss3.CreateBucketInput{Bucket: aws.String("sdk")})
		So(err, ShouldBeNil)

		put := func(key, body string) {
			_, err := cli.PutObject(&awss3.PutObjectInput{
				Bucket:      aws.String("sdk"),
				Key:         aws.String(key),
				Body:        strings.NewReader(body),
				ContentType: aws.String("text/plain"),
			})
			So(err, ShouldBeNil)
		}

		Convey("Objects round trip", func() {
			put("docs/readme.txt", "0123456789")

			out, err := cli.GetObject(&awss3.GetObjectInput{Bucket: aws.String("sdk"), Key: aws.String("docs/readme.txt")})
			So(err, ShouldBeNil)
			data, err := ioutil.ReadAll(out.Body)
			out.Body.Close()
			So(err, ShouldBeNil)
			So(string(data), ShouldEqual, "0123456789")
			So(aws.StringValue(out.ContentType), ShouldEqual, "text/plain")

			out, err = cli.GetObject(&awss3.GetObjectInput{
				Bucket: aws.String("sdk"),
				Key:    aws.String("docs/readme.txt"),
				Range:  aws.String("bytes=2-4"),
			})
			So(err, ShouldBeNil)
			data, _ = ioutil.ReadAll(out.Body)
			out.Body.Close()
			So(string(data), ShouldEqual, "234")
			So(aws.StringValue(out.ContentRange), ShouldEqual, "bytes 2-4/10")

			head, err := cli.HeadObject(&awss3.HeadObjectInput{Bucket: aws.String("sdk"), Key: aws.String("docs/readme.txt")})
			So(err, ShouldBeNil)
			So(aws.Int64Value(head.ContentLength), ShouldEqual, 10)
			So(aws.StringValue(head.ETag), ShouldEqual, `"`+md5Hex([]byte("0123456789"))+`"`)

			_, err = cli.DeleteObject(&awss3.DeleteObjectInput{Bucket: aws.String("sdk"), Key: aws.String("docs/readme.txt")})
			So(err, ShouldBeNil)
			_, err = cli.GetObject(&awss3.GetObjectInput{Bucket: aws.String("sdk"), Key: aws.String("docs/readme.txt")})
			So(awsCode(err), ShouldEqual, awss3.ErrCodeNoSuchKey)
		})

		Convey("Listings paginate", func() {
			for _, k := range []string{"a", "b", "c", "d/1", "d/2"} {
				put(k, k)
			}

			var keys []string
			pages := 0
			err := cli.ListObjectsV2Pages(&awss3.ListObjectsV2Input{
				Bucket:  aws.String("sdk"),
				MaxKeys: aws.Int64(2),
			}, func(page *awss3.ListObjectsV2Output, last bool) bool {
				pages++
				for _, o := range page.Contents {
					keys = append(keys, aws.StringValue(o.Key))
				}
				return true
			})
			So(err, ShouldBeNil)
			So(pages, ShouldEqual, 3)
			So(keys, ShouldResemble, []string{"a", "b", "c", "d/1", "d/2"})

			v1, err := cli.ListObjects(&awss3.ListObjectsInput{
				Bucket:    aws.String("sdk"),
				Delimiter: aws.String("/"),
			})
			So(err, ShouldBeNil)
			So(len(v1.Contents), ShouldEqual, 3)
			So(len(v1.CommonPrefixes), ShouldEqual, 1)
			So(aws.StringValue(v1.CommonPrefixes[0].Prefix), ShouldEqual, "d/")

			buckets, err := cli.ListBuckets(&awss3.ListBucketsInput{})
			So(err, ShouldBeNil)
			So(len(buckets.Buckets), ShouldEqual, 1)
			So(aws.StringValue(buckets.Buckets[0].Name), ShouldEqual, "sdk")
		})

		Convey("Multipart uploads complete", func() {
			created, err := cli.CreateMultipartUpload(&awss3.CreateMultipartUploadInput{
				Bucket: aws.String("sdk"),
				Key:    aws.String("big"),
			})
			So(err, ShouldBeNil)
			id := created.UploadId

			chunks := [][]byte{bytes.Repeat([]byte("x"), 1024), bytes.Repeat([]byte("y"), 512)}
			var completed []*awss3.CompletedPart
			for i, chunk := range chunks {
				out, err := cli.UploadPart(&awss3.UploadPartInput{
					Bucket:     aws.String("sdk"),
					Key:        aws.String("big"),
					UploadId:   id,
					PartNumber: aws.Int64(int64(i + 1)),
					Body:       bytes.NewReader(chunk),
				})
				So(err, ShouldBeNil)
				completed = append(completed, &awss3.CompletedPart{ETag: out.ETag, PartNumber: aws.Int64(int64(i + 1))})
			}

			uploads, err := cli.ListMultipartUploads(&awss3.ListMultipartUploadsInput{Bucket: aws.String("sdk")})
			So(err, ShouldBeNil)
			So(len(uploads.Uploads), ShouldEqual, 1)

			parts, err := cli.ListParts(&awss3.ListPartsInput{Bucket: aws.String("sdk"), Key: aws.String("big"), UploadId: id})
			So(err, ShouldBeNil)
			So(len(parts.Parts), ShouldEqual, 2)

			done, err := cli.CompleteMultipartUpload(&awss3.CompleteMultipartUploadInput{
				Bucket:          aws.String("sdk"),
				Key:             aws.String("big"),
				UploadId:        id,
				MultipartUpload: &awss3.CompletedMultipartUpload{Parts: completed},
			})
			So(err, ShouldBeNil)
			So(aws.StringValue(done.ETag), ShouldEndWith, `-2"`)

			out, err := cli.GetObject(&awss3.GetObjectInput{Bucket: aws.String("sdk"), Key: aws.String("big")})
			So(err, ShouldBeNil)
			data, _ := ioutil.ReadAll(out.Body)
			out.Body.Close()
			So(bytes.Equal(data, append(append([]byte{}, chunks[0]...), chunks[1]...)), ShouldBeTrue)
		})

		Convey("Aborted uploads are gone", func() {
			created, err := cli.CreateMultipartUpload(&awss3.CreateMultipartUploadInput{
				Bucket: aws.String("sdk"),
				Key:    aws.String("dropped"),
			})
			So(err, ShouldBeNil)
			_, err = cli.AbortMultipartUpload(&awss3.AbortMultipartUploadInput{
				Bucket:   aws.String("sdk"),
				Key:      aws.String("dropped"),
				UploadId: created.UploadId,
			})
			So(err, ShouldBeNil)
			_, err = cli.ListParts(&awss3.ListPartsInput{Bucket: aws.String("sdk"), Key: aws.String("dropped"), UploadId: created.UploadId})
			So(awsCode(err), ShouldEqual, awss3.ErrCodeNoSuchUpload)
		})

		Convey("Wrong secrets are refused", func() {
			sess := session.Must(session.NewSession(&aws.Config{
				Region:           aws.String(testRegion),
				Endpoint:         aws.String(srv.URL),
				Credentials:      credentials.NewStaticCredentials(testAKID, "wrong", ""),
				S3ForcePathStyle: aws.Bool(true),
				MaxRetries:       aws.Int(0),
			}))
			_, err := awss3.New(sess).ListBuckets(&awss3.ListBucketsInput{})
			So(awsCode(err), ShouldEqual, "AccessDenied")
		})
	})
}
