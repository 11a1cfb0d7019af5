package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

const upperhex = "0123456789ABCDEF"

// uriEncode applies the S3 flavour of RFC 3986 encoding: everything but
// unreserved characters is percent-encoded, including '/'.
func uriEncode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if 'A' <= c && c <= 'Z' || 'a' <= c && c <= 'z' || '0' <= c && c <= '9' ||
			c == '-' || c == '_' || c == '.' || c == '~' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&15])
	}
	return b.String()
}

// requestPath returns the path as it was sent on the wire.
func requestPath(r *http.Request) string {
	if r.RequestURI != "" && r.RequestURI != "*" {
		p := r.RequestURI
		if i := strings.IndexByte(p, '?'); i >= 0 {
			p = p[:i]
		}
		if u, err := url.Parse(p); err == nil && u.IsAbs() {
			return u.EscapedPath()
		}
		return p
	}
	return r.URL.EscapedPath()
}

// canonicalURI re-encodes every segment of the escaped path on its own,
// so an encoded slash stays inside its segment.
func canonicalURI(escaped string) (string, error) {
	if escaped == "" {
		return "/", nil
	}
	segs := strings.Split(escaped, "/")
	for i, seg := range segs {
		raw, err := url.PathUnescape(seg)
		if err != nil {
			return "", fmt.Errorf("malformed path segment %q", seg)
		}
		segs[i] = uriEncode(raw)
	}
	return strings.Join(segs, "/"), nil
}

// canonicalQuery works on the raw query so that '+' keeps its literal meaning.
func canonicalQuery(rawQuery string, presign bool) (string, error) {
	type pair struct{ k, v string }
	var pairs []pair
	for _, part := range strings.Split(rawQuery, "&") {
		if part == "" {
			continue
		}
		k, v := part, ""
		if i := strings.IndexByte(part, '='); i >= 0 {
			k, v = part[:i], part[i+1:]
		}
		dk, err := url.PathUnescape(k)
		if err != nil {
			return "", fmt.Errorf("malformed query key %q", k)
		}
		dv, err := url.PathUnescape(v)
		if err != nil {
			return "", fmt.Errorf("malformed query value %q", v)
		}
		if presign && dk == QuerySignature {
			continue
		}
		pairs = append(pairs, pair{uriEncode(dk), uriEncode(dv)})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})
	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p.k)
		b.WriteByte('=')
		b.WriteString(p.v)
	}
	return b.String(), nil
}

func foldSpaces(v string) string {
	return strings.Join(strings.Fields(v), " ")
}

// headerValue returns the canonical value of one signed header.
func headerValue(r *http.Request, name string) (string, bool) {
	switch name {
	case "host":
		if r.Host != "" {
			return r.Host, true
		}
		return r.URL.Host, r.URL.Host != ""
	case "content-length":
		if v := r.Header.Get("Content-Length"); v != "" {
			return foldSpaces(v), true
		}
		if r.ContentLength >= 0 {
			return strconv.FormatInt(r.ContentLength, 10), true
		}
		return "", false
	}
	vals := r.Header.Values(name)
	if len(vals) == 0 {
		return "", false
	}
	for i, v := range vals {
		vals[i] = foldSpaces(v)
	}
	return strings.Join(vals, ","), true
}

func canonicalHeaders(r *http.Request, signed []string) (string, error) {
	var b strings.Builder
	for _, name := range signed {
		v, ok := headerValue(r, name)
		if !ok {
			return "", fmt.Errorf("signed header %q is missing", name)
		}
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(v)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// CanonicalRequest builds the canonical request for r under sc.
func CanonicalRequest(r *http.Request, sc *SigningContext) (string, error) {
	uri, err := canonicalURI(requestPath(r))
	if err != nil {
		return "", err
	}
	query, err := canonicalQuery(r.URL.RawQuery, sc.Mode == ModePresign)
	if err != nil {
		return "", err
	}
	headers, err := canonicalHeaders(r, sc.SignedHeaders)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{
		r.Method,
		uri,
		query,
		headers,
		strings.Join(sc.SignedHeaders, ";"),
		sc.PayloadHash,
	}, "\n"), nil
}

func StringToSign(sc *SigningContext, canonicalRequest string) string {
	return strings.Join([]string{
		Algorithm,
		sc.AmzDate,
		sc.Scope(),
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")
}

// SigningKey derives HMAC("AWS4"+secret, date) -> region -> service -> "aws4_request".
func SigningKey(secret, date, region, service string) []byte {
	k := hmacSHA256([]byte("AWS4"+secret), date)
	k = hmacSHA256(k, region)
	k = hmacSHA256(k, service)
	return hmacSHA256(k, Terminator)
}

func signatureHex(key []byte, stringToSign string) string {
	return hex.EncodeToString(hmacSHA256(key, stringToSign))
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
