package multipart

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/orcastor/s3gw/core"
)

// CompositeETag is the S3 multipart convention: the MD5 of the
// concatenated binary part MD5s, suffixed with the part count.
func CompositeETag(partETags []string) (string, error) {
	h := md5.New()
	for _, etag := range partETags {
		sum, err := hex.DecodeString(TrimETag(etag))
		if err != nil || len(sum) != md5.Size {
			return "", fmt.Errorf("%w: part etag %q is not an md5", core.ERR_INVALID_PART, etag)
		}
		h.Write(sum)
	}
	return fmt.Sprintf("%s-%d", hex.EncodeToString(h.Sum(nil)), len(partETags)), nil
}

// TrimETag strips the quotes clients send back and lowercases the hex.
func TrimETag(etag string) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	return strings.ToLower(strings.Trim(etag, `"`))
}
