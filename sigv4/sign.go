package sigv4

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Signer produces header signatures and presigned URLs with the same
// canonicalization the Verifier applies.
type Signer struct {
	AccessKeyID string
	Secret      string
	Region      string
	Service     string
	Now         func() time.Time
}

func (s *Signer) context(mode Mode) *SigningContext {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	t := now().UTC()
	service := s.Service
	if service == "" {
		service = DefaultService
	}
	return &SigningContext{
		Mode:        mode,
		AccessKeyID: s.AccessKeyID,
		Date:        t.Format(ShortDateFormat),
		Region:      s.Region,
		Service:     service,
		AmzDate:     t.Format(DateFormat),
		Time:        t,
	}
}

// signedHeaderNames picks host, content-type, content-md5 and every x-amz-* header.
func signedHeaderNames(r *http.Request) []string {
	names := []string{"host"}
	for k := range r.Header {
		lk := strings.ToLower(k)
		if lk == "content-type" || lk == "content-md5" || strings.HasPrefix(lk, "x-amz-") {
			names = append(names, lk)
		}
	}
	sort.Strings(names)
	return names
}

func (s *Signer) sign(r *http.Request, sc *SigningContext) (string, error) {
	creq, err := CanonicalRequest(r, sc)
	if err != nil {
		return "", err
	}
	key := SigningKey(s.Secret, sc.Date, sc.Region, sc.Service)
	return signatureHex(key, StringToSign(sc, creq)), nil
}

// Sign adds X-Amz-Date, X-Amz-Content-Sha256 and Authorization to r.
// payloadHash may be a hex SHA-256, UnsignedPayload or empty for an empty body.
func (s *Signer) Sign(r *http.Request, payloadHash string) error {
	if payloadHash == "" {
		payloadHash = EmptySHA256
	}
	sc := s.context(ModeHeader)
	sc.PayloadHash = payloadHash
	r.Header.Set(HeaderDate, sc.AmzDate)
	r.Header.Set(HeaderContentSHA256, payloadHash)
	sc.SignedHeaders = signedHeaderNames(r)

	sig, err := s.sign(r, sc)
	if err != nil {
		return err
	}
	sc.Signature = sig
	r.Header.Set("Authorization", fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		Algorithm, sc.AccessKeyID, sc.Scope(), strings.Join(sc.SignedHeaders, ";"), sig))
	return nil
}

// SignBytes signs r with the SHA-256 of body and installs body.
func (s *Signer) SignBytes(r *http.Request, body []byte) error {
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	return s.Sign(r, sha256Hex(body))
}

// Presign rewrites r.URL into a presigned URL valid for expires and returns it.
func (s *Signer) Presign(r *http.Request, expires time.Duration) (string, error) {
	secs := int64(expires / time.Second)
	if secs < 1 || secs > MaxPresignExpires {
		return "", fmt.Errorf("expires must be between 1s and %ds", MaxPresignExpires)
	}
	sc := s.context(ModePresign)
	sc.PayloadHash = UnsignedPayload
	sc.SignedHeaders = []string{"host"}
	sc.Expires = time.Duration(secs) * time.Second

	params := []string{
		QueryAlgorithm + "=" + Algorithm,
		QueryCredential + "=" + uriEncode(sc.AccessKeyID+"/"+sc.Scope()),
		QueryDate + "=" + sc.AmzDate,
		QueryExpires + "=" + strconv.FormatInt(secs, 10),
		QuerySignedHeaders + "=host",
	}
	raw := strings.Join(params, "&")
	if r.URL.RawQuery != "" {
		raw = r.URL.RawQuery + "&" + raw
	}
	r.URL.RawQuery = raw

	sig, err := s.sign(r, sc)
	if err != nil {
		return "", err
	}
	r.URL.RawQuery += "&" + QuerySignature + "=" + sig
	return r.URL.String(), nil
}

// SignStreaming prepares r for an aws-chunked upload of body split into
// chunkSize pieces, each carrying a chunk signature.
func (s *Signer) SignStreaming(r *http.Request, body []byte, chunkSize int) error {
	if chunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive")
	}
	sc := s.context(ModeHeader)
	sc.PayloadHash = StreamingPayload
	r.Header.Set(HeaderDate, sc.AmzDate)
	r.Header.Set(HeaderContentSHA256, StreamingPayload)
	r.Header.Set(HeaderDecodedLength, strconv.Itoa(len(body)))
	r.Header.Set("Content-Encoding", "aws-chunked")

	key := SigningKey(s.Secret, sc.Date, sc.Region, sc.Service)
	encoded := encodeChunks(body, chunkSize, func(prev string, chunk []byte) string {
		return signatureHex(key, chunkStringToSign(sc, prev, chunk))
	}, "")
	// The encoded length is part of the seed signature, so it is fixed first.
	r.ContentLength = int64(len(encoded))
	sc.SignedHeaders = signedHeaderNames(r)
	sc.SignedHeaders = append(sc.SignedHeaders, "content-length")
	sort.Strings(sc.SignedHeaders)

	seed, err := s.sign(r, sc)
	if err != nil {
		return err
	}
	r.Header.Set("Authorization", fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		Algorithm, sc.AccessKeyID, sc.Scope(), strings.Join(sc.SignedHeaders, ";"), seed))

	encoded = encodeChunks(body, chunkSize, func(prev string, chunk []byte) string {
		return signatureHex(key, chunkStringToSign(sc, prev, chunk))
	}, seed)
	r.Body = io.NopCloser(bytes.NewReader(encoded))
	return nil
}

// encodeChunks frames body as aws-chunked, chaining signatures from seed.
func encodeChunks(body []byte, chunkSize int, sign func(prev string, chunk []byte) string, seed string) []byte {
	var buf bytes.Buffer
	prev := seed
	for off := 0; ; off += chunkSize {
		end := off + chunkSize
		if end > len(body) {
			end = len(body)
		}
		chunk := body[off:end]
		sig := sign(prev, chunk)
		fmt.Fprintf(&buf, "%x;chunk-signature=%s\r\n", len(chunk), sig)
		buf.Write(chunk)
		buf.WriteString("\r\n")
		prev = sig
		if len(chunk) == 0 {
			return buf.Bytes()
		}
	}
}
