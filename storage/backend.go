// Package storage defines the backend-agnostic object store the gateway
// talks to, and its providers.
package storage

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/orcastor/s3gw/core"
)

type ObjectKey struct {
	Bucket string
	Key    string
}

func (k ObjectKey) String() string {
	return k.Bucket + "/" + k.Key
}

type ObjectInfo struct {
	Bucket       string
	Key          string
	Size         int64
	ETag         string // unquoted
	ContentType  string
	LastModified time.Time
	Metadata     map[string]string
}

type BucketInfo struct {
	Name      string
	CreatedAt time.Time
}

// Range selects Length bytes from Offset; a negative Length reads to the end.
type Range struct {
	Offset int64
	Length int64
}

type PutOptions struct {
	ContentType string
	// ETag overrides the computed MD5, for composite multipart ETags.
	ETag     string
	Metadata map[string]string
}

type ListOptions struct {
	Prefix            string
	StartAfter        string
	ContinuationToken string
	MaxKeys           int
}

type ListPage struct {
	Objects     []ObjectInfo
	IsTruncated bool
	NextToken   string
}

// Backend is implemented once per provider. Put is atomic with respect to
// readers and never reports success for a cancelled or failed body.
// Delete of an absent key succeeds. List is lexicographic by key.
type Backend interface {
	CreateBucket(ctx context.Context, bucket string) error
	DeleteBucket(ctx context.Context, bucket string) error
	HeadBucket(ctx context.Context, bucket string) (*BucketInfo, error)
	ListBuckets(ctx context.Context) ([]BucketInfo, error)

	Put(ctx context.Context, key ObjectKey, r io.Reader, size int64, opts PutOptions) (*ObjectInfo, error)
	Get(ctx context.Context, key ObjectKey, rng *Range) (*ObjectInfo, io.ReadCloser, error)
	Stat(ctx context.Context, key ObjectKey) (*ObjectInfo, error)
	Delete(ctx context.Context, key ObjectKey) error
	List(ctx context.Context, bucket string, opts ListOptions) (*ListPage, error)

	Close() error
}

// EncodeToken turns the last returned key into an opaque continuation token.
func EncodeToken(lastKey string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(lastKey))
}

func DecodeToken(token string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: bad continuation token", core.ERR_INVALID_ARGUMENT)
	}
	return string(b), nil
}

// after returns the exclusive lower bound for a listing.
func (o ListOptions) after() (string, error) {
	after := o.StartAfter
	if o.ContinuationToken != "" {
		k, err := DecodeToken(o.ContinuationToken)
		if err != nil {
			return "", err
		}
		if k > after {
			after = k
		}
	}
	return after, nil
}

func (o ListOptions) maxKeys() int {
	if o.MaxKeys <= 0 || o.MaxKeys > core.DEFAULT_MAX_KEYS {
		return core.DEFAULT_MAX_KEYS
	}
	return o.MaxKeys
}

// page cuts sorted candidates (at most maxKeys+1 of them) into a ListPage.
func page(objs []ObjectInfo, max int) *ListPage {
	p := &ListPage{Objects: objs}
	if len(objs) > max {
		p.Objects = objs[:max]
		p.IsTruncated = true
		p.NextToken = EncodeToken(objs[max-1].Key)
	}
	return p
}

// ValidBucketName accepts the S3 DNS-style names plus the reserved
// dot-prefixed internal buckets.
func ValidBucketName(name string) bool {
	if name == core.MULTIPART_BUCKET {
		return true
	}
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !('a' <= c && c <= 'z' || '0' <= c && c <= '9' || c == '-' || c == '.') {
			return false
		}
	}
	return name[0] != '-' && name[0] != '.' && !strings.Contains(name, "..")
}

// bodyReader counts, hashes and watches ctx while a body is consumed.
type bodyReader struct {
	ctx context.Context
	r   io.Reader
	md5 hash.Hash
	n   int64
}

func newBodyReader(ctx context.Context, r io.Reader) *bodyReader {
	return &bodyReader{ctx: ctx, r: r, md5: md5.New()}
}

func (br *bodyReader) Read(p []byte) (int, error) {
	if err := br.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := br.r.Read(p)
	br.md5.Write(p[:n])
	br.n += int64(n)
	return n, err
}

// finish checks the declared size and returns the ETag to record.
func (br *bodyReader) finish(size int64, opts PutOptions) (string, error) {
	if err := br.ctx.Err(); err != nil {
		return "", err
	}
	if size >= 0 && br.n != size {
		return "", fmt.Errorf("%w: got %d of %d bytes", core.ERR_INCOMPLETE_BODY, br.n, size)
	}
	if opts.ETag != "" {
		return opts.ETag, nil
	}
	return hex.EncodeToString(br.md5.Sum(nil)), nil
}

func cloneMeta(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortBuckets(bs []BucketInfo) {
	sort.Slice(bs, func(i, j int) bool { return bs[i].Name < bs[j].Name })
}
