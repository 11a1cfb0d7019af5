// Package sigv4 verifies and produces AWS Signature Version 4 signatures
// for S3 requests, in both Authorization header and presigned URL form.
package sigv4

import (
	"fmt"
	"time"

	"github.com/orcastor/s3gw/core"
)

const (
	Algorithm        = "AWS4-HMAC-SHA256"
	ChunkAlgorithm   = "AWS4-HMAC-SHA256-PAYLOAD"
	Terminator       = "aws4_request"
	DateFormat       = "20060102T150405Z"
	ShortDateFormat  = "20060102"
	UnsignedPayload  = "UNSIGNED-PAYLOAD"
	StreamingPayload = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD"
	EmptySHA256      = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	MaxPresignExpires = 7 * 24 * 60 * 60

	HeaderDate           = "X-Amz-Date"
	HeaderContentSHA256  = "X-Amz-Content-Sha256"
	HeaderDecodedLength  = "X-Amz-Decoded-Content-Length"
	QueryAlgorithm       = "X-Amz-Algorithm"
	QueryCredential      = "X-Amz-Credential"
	QueryDate            = "X-Amz-Date"
	QueryExpires         = "X-Amz-Expires"
	QuerySignedHeaders   = "X-Amz-SignedHeaders"
	QuerySignature       = "X-Amz-Signature"
	QueryContentSHA256   = "X-Amz-Content-Sha256"
	DefaultService       = "s3"
	DefaultClockSkew     = 15 * time.Minute
	maxStreamingChunkLen = 16 << 20
)

type Mode int

const (
	ModeHeader Mode = iota
	ModePresign
)

// SigningContext is what a request claims about its own signature.
type SigningContext struct {
	Mode          Mode
	AccessKeyID   string
	Date          string // YYYYMMDD from the credential scope
	Region        string
	Service       string
	AmzDate       string
	Time          time.Time
	SignedHeaders []string
	Signature     string
	PayloadHash   string
	Expires       time.Duration // presigned only
}

func (sc *SigningContext) Scope() string {
	return sc.Date + "/" + sc.Region + "/" + sc.Service + "/" + Terminator
}

// checkTime applies the clock skew window. Presigned URLs are valid from
// AmzDate minus the skew until AmzDate plus X-Amz-Expires.
func (sc *SigningContext) checkTime(now time.Time, skew time.Duration) error {
	if now.Before(sc.Time.Add(-skew)) {
		return fmt.Errorf("request date %s is in the future", sc.AmzDate)
	}
	limit := sc.Time.Add(skew)
	if sc.Mode == ModePresign {
		limit = sc.Time.Add(sc.Expires)
	}
	if now.After(limit) {
		if sc.Mode == ModePresign {
			return fmt.Errorf("presigned url expired at %s", limit.Format(DateFormat))
		}
		return fmt.Errorf("request date %s is too old", sc.AmzDate)
	}
	return nil
}

type Reason string

const (
	ReasonBadDate           Reason = "BadDate"
	ReasonUnknownAccessKey  Reason = "UnknownAccessKey"
	ReasonSignatureMismatch Reason = "SignatureMismatch"
	ReasonMalformed         Reason = "MalformedAuthHeader"
)

// Rejection is returned for every failed verification. Only the reason
// and the cause are kept; the client sees a generic AccessDenied.
type Rejection struct {
	Reason      Reason
	AccessKeyID string
	Err         error
}

func (r *Rejection) Error() string {
	if r.Err == nil {
		return string(r.Reason)
	}
	return string(r.Reason) + ": " + r.Err.Error()
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

func (r *Rejection) Is(target error) bool {
	return target == core.ERR_AUTH_FAILED
}

func reject(reason Reason, accessKeyID string, err error) *Rejection {
	return &Rejection{Reason: reason, AccessKeyID: accessKeyID, Err: err}
}
