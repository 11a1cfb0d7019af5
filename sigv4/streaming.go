package sigv4

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/orcastor/s3gw/core"
)

// chunkReader decodes an aws-chunked body while it is being read and
// verifies the chain of chunk signatures seeded by the request signature.
type chunkReader struct {
	br      *bufio.Reader
	key     []byte
	sc      *SigningContext
	prevSig string
	buf     []byte
	done    bool
	err     error
}

func newChunkReader(r io.Reader, key []byte, sc *SigningContext) *chunkReader {
	return &chunkReader{
		br:      bufio.NewReader(r),
		key:     key,
		sc:      sc,
		prevSig: sc.Signature,
	}
}

func (cr *chunkReader) Read(p []byte) (int, error) {
	for len(cr.buf) == 0 {
		if cr.err != nil {
			return 0, cr.err
		}
		if cr.done {
			return 0, io.EOF
		}
		if err := cr.next(); err != nil {
			cr.err = err
			return 0, err
		}
	}
	n := copy(p, cr.buf)
	cr.buf = cr.buf[n:]
	return n, nil
}

func (cr *chunkReader) next() error {
	size, sig, err := readChunkHeader(cr.br)
	if err != nil {
		return err
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(cr.br, data); err != nil {
		return fmt.Errorf("%w: short chunk", core.ERR_INCOMPLETE_BODY)
	}
	var crlf [2]byte
	if _, err := io.ReadFull(cr.br, crlf[:]); err != nil || crlf[0] != '\r' || crlf[1] != '\n' {
		return fmt.Errorf("%w: chunk not terminated", core.ERR_INCOMPLETE_BODY)
	}

	expected := signatureHex(cr.key, chunkStringToSign(cr.sc, cr.prevSig, data))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
		return reject(ReasonSignatureMismatch, cr.sc.AccessKeyID, errors.New("chunk signature does not match"))
	}
	cr.prevSig = sig
	if size == 0 {
		cr.done = true
	}
	cr.buf = data
	return nil
}

// readChunkHeader parses "<hex size>;chunk-signature=<sig>\r\n".
func readChunkHeader(br *bufio.Reader) (int64, string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return 0, "", fmt.Errorf("%w: missing chunk header", core.ERR_INCOMPLETE_BODY)
	}
	if !strings.HasSuffix(line, "\r\n") {
		return 0, "", fmt.Errorf("%w: malformed chunk header", core.ERR_INCOMPLETE_BODY)
	}
	parts := strings.SplitN(strings.TrimSuffix(line, "\r\n"), ";", 2)
	if len(parts) != 2 || !strings.HasPrefix(parts[1], "chunk-signature=") {
		return 0, "", fmt.Errorf("%w: malformed chunk header", core.ERR_INCOMPLETE_BODY)
	}
	size, err := strconv.ParseInt(parts[0], 16, 64)
	if err != nil || size < 0 || size > maxStreamingChunkLen {
		return 0, "", fmt.Errorf("%w: bad chunk size %q", core.ERR_INCOMPLETE_BODY, parts[0])
	}
	sig := strings.ToLower(strings.TrimPrefix(parts[1], "chunk-signature="))
	if len(sig) != 64 {
		return 0, "", fmt.Errorf("%w: malformed chunk signature", core.ERR_INCOMPLETE_BODY)
	}
	return size, sig, nil
}

func chunkStringToSign(sc *SigningContext, prevSig string, chunk []byte) string {
	return strings.Join([]string{
		ChunkAlgorithm,
		sc.AmzDate,
		sc.Scope(),
		prevSig,
		EmptySHA256,
		sha256Hex(chunk),
	}, "\n")
}
