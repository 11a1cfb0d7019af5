package sigv4

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"strings"

	"github.com/orcastor/s3gw/core"
)

// hashReader fails the final read when the body does not hash to want.
type hashReader struct {
	r    io.Reader
	h    hash.Hash
	want string
	err  error
}

func newHashReader(r io.Reader, want string) *hashReader {
	return &hashReader{r: r, h: sha256.New(), want: strings.ToLower(want)}
}

func (hr *hashReader) Read(p []byte) (int, error) {
	if hr.err != nil {
		return 0, hr.err
	}
	n, err := hr.r.Read(p)
	hr.h.Write(p[:n])
	if err == io.EOF {
		if got := hex.EncodeToString(hr.h.Sum(nil)); got != hr.want {
			hr.err = core.ERR_BAD_DIGEST
			return n, hr.err
		}
	}
	if err != nil {
		hr.err = err
	}
	return n, err
}
