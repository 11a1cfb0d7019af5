package sigv4

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	errMissingAuth  = errors.New("request is not signed")
	errAmbiguous    = errors.New("both authorization header and presigned query present")
	errNoHost       = errors.New("host must be a signed header")
	errBadAlgorithm = errors.New("unsupported signing algorithm")
)

// HasAuth reports whether r carries any SigV4 material.
func HasAuth(r *http.Request) bool {
	return r.Header.Get("Authorization") != "" || r.URL.Query().Get(QueryAlgorithm) != ""
}

// ParseRequest extracts the signing context from the Authorization header
// or from presigned query parameters. The two forms are exclusive.
func ParseRequest(r *http.Request) (*SigningContext, error) {
	authz := r.Header.Get("Authorization")
	q := r.URL.Query()
	presigned := q.Get(QueryAlgorithm) != "" || q.Get(QuerySignature) != ""
	switch {
	case authz != "" && presigned:
		return nil, errAmbiguous
	case authz != "":
		return parseHeader(r, authz)
	case presigned:
		return parsePresigned(q)
	}
	return nil, errMissingAuth
}

func parseHeader(r *http.Request, authz string) (*SigningContext, error) {
	if !strings.HasPrefix(authz, Algorithm+" ") {
		return nil, errBadAlgorithm
	}
	fields := make(map[string]string, 3)
	for _, part := range strings.Split(strings.TrimPrefix(authz, Algorithm+" "), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("malformed authorization component %q", part)
		}
		fields[kv[0]] = strings.TrimSpace(kv[1])
	}

	sc := &SigningContext{Mode: ModeHeader}
	if err := sc.setCredential(fields["Credential"]); err != nil {
		return nil, err
	}
	if err := sc.setSignedHeaders(fields["SignedHeaders"]); err != nil {
		return nil, err
	}
	if err := sc.setSignature(fields["Signature"]); err != nil {
		return nil, err
	}

	amzDate := r.Header.Get(HeaderDate)
	if amzDate == "" {
		if d := r.Header.Get("Date"); d != "" {
			t, err := http.ParseTime(d)
			if err != nil {
				return nil, fmt.Errorf("bad date header: %w", err)
			}
			amzDate = t.UTC().Format(DateFormat)
		}
	}
	if err := sc.setDate(amzDate); err != nil {
		return nil, err
	}

	sc.PayloadHash = r.Header.Get(HeaderContentSHA256)
	if sc.PayloadHash == "" {
		// Only an empty body may omit the payload hash.
		if r.ContentLength != 0 {
			return nil, fmt.Errorf("missing %s", HeaderContentSHA256)
		}
		sc.PayloadHash = EmptySHA256
	}
	if err := checkPayloadHash(sc.PayloadHash); err != nil {
		return nil, err
	}
	return sc, nil
}

func parsePresigned(q url.Values) (*SigningContext, error) {
	if q.Get(QueryAlgorithm) != Algorithm {
		return nil, errBadAlgorithm
	}
	sc := &SigningContext{Mode: ModePresign}
	if err := sc.setCredential(q.Get(QueryCredential)); err != nil {
		return nil, err
	}
	if err := sc.setSignedHeaders(q.Get(QuerySignedHeaders)); err != nil {
		return nil, err
	}
	if err := sc.setSignature(q.Get(QuerySignature)); err != nil {
		return nil, err
	}
	if err := sc.setDate(q.Get(QueryDate)); err != nil {
		return nil, err
	}

	expires, err := strconv.ParseInt(q.Get(QueryExpires), 10, 64)
	if err != nil || expires < 1 || expires > MaxPresignExpires {
		return nil, fmt.Errorf("%s must be between 1 and %d", QueryExpires, MaxPresignExpires)
	}
	sc.Expires = time.Duration(expires) * time.Second

	sc.PayloadHash = q.Get(QueryContentSHA256)
	if sc.PayloadHash == "" {
		sc.PayloadHash = UnsignedPayload
	}
	if sc.PayloadHash == StreamingPayload {
		return nil, errors.New("streaming payload cannot be presigned")
	}
	if err := checkPayloadHash(sc.PayloadHash); err != nil {
		return nil, err
	}
	return sc, nil
}

// setCredential parses "<key>/<date>/<region>/<service>/aws4_request".
func (sc *SigningContext) setCredential(v string) error {
	parts := strings.Split(v, "/")
	if len(parts) != 5 {
		return fmt.Errorf("malformed credential %q", v)
	}
	if !isAlnum(parts[0]) {
		return errors.New("malformed access key id")
	}
	if _, err := time.Parse(ShortDateFormat, parts[1]); err != nil {
		return fmt.Errorf("malformed credential date %q", parts[1])
	}
	if parts[2] == "" || parts[3] == "" || parts[4] != Terminator {
		return fmt.Errorf("malformed credential scope %q", v)
	}
	sc.AccessKeyID, sc.Date, sc.Region, sc.Service = parts[0], parts[1], parts[2], parts[3]
	return nil
}

func (sc *SigningContext) setSignedHeaders(v string) error {
	if v == "" {
		return errors.New("missing signed headers")
	}
	names := strings.Split(v, ";")
	hasHost := false
	for i, n := range names {
		if n == "" {
			return fmt.Errorf("malformed signed headers %q", v)
		}
		names[i] = strings.ToLower(n)
		if names[i] == "host" {
			hasHost = true
		}
	}
	if !hasHost {
		return errNoHost
	}
	sc.SignedHeaders = names
	return nil
}

func (sc *SigningContext) setSignature(v string) error {
	if len(v) != 64 {
		return errors.New("malformed signature")
	}
	if _, err := hex.DecodeString(v); err != nil {
		return errors.New("malformed signature")
	}
	sc.Signature = strings.ToLower(v)
	return nil
}

func (sc *SigningContext) setDate(v string) error {
	if v == "" {
		return errors.New("missing request date")
	}
	t, err := time.Parse(DateFormat, v)
	if err != nil {
		return fmt.Errorf("malformed request date %q", v)
	}
	if v[:8] != sc.Date {
		return errors.New("credential scope date does not match request date")
	}
	sc.AmzDate, sc.Time = v, t
	return nil
}

func checkPayloadHash(h string) error {
	switch h {
	case UnsignedPayload, StreamingPayload:
		return nil
	}
	if len(h) == 64 {
		if _, err := hex.DecodeString(h); err == nil {
			return nil
		}
	}
	return fmt.Errorf("unsupported payload hash %q", h)
}

func isAlnum(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9') {
			return false
		}
	}
	return true
}
