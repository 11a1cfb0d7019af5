package sigv4

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/orcastor/s3gw/auth"
)

// Verifier checks SigV4 signatures against secrets from a Resolver.
type Verifier struct {
	resolver auth.Resolver
	skew     time.Duration
	now      func() time.Time
}

type Option func(*Verifier)

func WithClockSkew(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.skew = d
		}
	}
}

// WithClock replaces time.Now, for tests and replayed vectors.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

func NewVerifier(resolver auth.Resolver, opts ...Option) *Verifier {
	v := &Verifier{
		resolver: resolver,
		skew:     DefaultClockSkew,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Identity is the outcome of a successful verification.
type Identity struct {
	AccessKeyID string
	Context     *SigningContext
	signingKey  []byte
}

// Verify accepts r or returns a *Rejection.
func (v *Verifier) Verify(r *http.Request) (*Identity, error) {
	sc, err := ParseRequest(r)
	if err != nil {
		return nil, reject(ReasonMalformed, "", err)
	}
	if err := sc.checkTime(v.now().UTC(), v.skew); err != nil {
		return nil, reject(ReasonBadDate, sc.AccessKeyID, err)
	}
	cred, err := v.resolver.Resolve(r.Context(), sc.AccessKeyID)
	if err != nil {
		return nil, reject(ReasonUnknownAccessKey, sc.AccessKeyID, err)
	}
	creq, err := CanonicalRequest(r, sc)
	if err != nil {
		return nil, reject(ReasonMalformed, sc.AccessKeyID, err)
	}
	key := SigningKey(cred.Secret, sc.Date, sc.Region, sc.Service)
	expected := signatureHex(key, StringToSign(sc, creq))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(sc.Signature)) != 1 {
		return nil, reject(ReasonSignatureMismatch, sc.AccessKeyID, errors.New("signature does not match"))
	}
	return &Identity{AccessKeyID: sc.AccessKeyID, Context: sc, signingKey: key}, nil
}

// Streaming reports whether the body is aws-chunked with chunk signatures.
func (id *Identity) Streaming() bool {
	return id.Context.PayloadHash == StreamingPayload
}

// ContentLength returns the length of the decoded body, -1 when unknown.
func (id *Identity) ContentLength(r *http.Request) int64 {
	if id.Streaming() {
		n, err := strconv.ParseInt(r.Header.Get(HeaderDecodedLength), 10, 64)
		if err != nil || n < 0 {
			return -1
		}
		return n
	}
	return r.ContentLength
}

// Body wraps the request body so that payload integrity is enforced while
// it is read: a hex SHA-256 is checked at EOF, aws-chunked bodies are
// decoded and each chunk signature verified.
func (id *Identity) Body(body io.ReadCloser) io.ReadCloser {
	switch h := id.Context.PayloadHash; h {
	case UnsignedPayload:
		return body
	case StreamingPayload:
		return &readCloser{
			Reader: newChunkReader(body, id.signingKey, id.Context),
			Closer: body,
		}
	default:
		return &readCloser{Reader: newHashReader(body, h), Closer: body}
	}
}

type readCloser struct {
	io.Reader
	io.Closer
}
