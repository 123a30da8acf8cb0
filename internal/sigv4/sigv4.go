// Package sigv4 implements AWS Signature Version 4 request signing for the
// Glacier backend.
//
// The spec (§4.4) asks for a faithful, hand-rolled implementation of SigV4
// canonicalisation rather than delegating to the AWS SDK's signer. This
// package is grounded on the verification half of the same algorithm in the
// pack's bleepstore S3-compatible server (internal/auth/sigv4.go): the same
// unreserved-character percent-encoding table, canonical-header joining, and
// "AWS4"+secret -> date -> region -> service -> aws4_request HMAC chain, run
// in the opposite direction (produce a signature rather than check one).
package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	algorithm       = "AWS4-HMAC-SHA256"
	scopeTerminator = "aws4_request"
	amzDateFormat   = "20060102T150405Z"
)

// Credentials are the AWS credentials used to sign a request.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Signer signs requests for a fixed region/service pair (Glacier always
// signs for service "glacier").
type Signer struct {
	Region string
	Service string
}

// NewSigner creates a Signer for the given region against the Glacier
// service.
func NewSigner(region string) Signer {
	return Signer{Region: region, Service: "glacier"}
}

// Sign adds x-amz-date (if absent), the session token header (if present),
// and a SigV4 Authorization header to req. payloadSHA256Hex is the hex SHA-256
// of the request body; for Glacier part uploads this is the already-computed
// linear checksum, so the payload never has to be hashed twice.
func (s Signer) Sign(req *http.Request, creds Credentials, payloadSHA256Hex string, now time.Time) {
	now = now.UTC()
	amzDate := now.Format(amzDateFormat)
	dateStamp := amzDate[:8]

	if req.Header.Get("X-Amz-Date") == "" {
		req.Header.Set("X-Amz-Date", amzDate)
	} else {
		amzDate = req.Header.Get("X-Amz-Date")
		dateStamp = amzDate[:8]
	}
	if creds.SessionToken != "" {
		req.Header.Set("X-Amz-Security-Token", creds.SessionToken)
	}
	req.Header.Set("X-Amz-Content-Sha256", payloadSHA256Hex)
	if req.Host != "" {
		req.Header.Set("Host", req.Host)
	} else if req.URL != nil {
		req.Header.Set("Host", req.URL.Host)
	}

	signedHeaders := signedHeaderNames(req.Header)
	canonicalRequest := buildCanonicalRequest(req, signedHeaders, payloadSHA256Hex)

	scope := strings.Join([]string{dateStamp, s.Region, s.Service, scopeTerminator}, "/")
	stringToSign := buildStringToSign(amzDate, scope, canonicalRequest)

	signingKey := deriveSigningKey(creds.SecretAccessKey, dateStamp, s.Region, s.Service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	authHeader := algorithm + " " +
		"Credential=" + creds.AccessKeyID + "/" + scope +
		", SignedHeaders=" + strings.Join(signedHeaders, ";") +
		", Signature=" + signature
	req.Header.Set("Authorization", authHeader)
}

// signedHeaderNames returns every header name present on the request, sorted
// and lower-cased, plus "host" — mirroring the teacher's convention of
// signing the full header set rather than a minimal subset.
func signedHeaderNames(h http.Header) []string {
	names := make([]string, 0, len(h)+1)
	seen := map[string]bool{"host": true}
	names = append(names, "host")
	for name := range h {
		lower := strings.ToLower(name)
		if seen[lower] {
			continue
		}
		seen[lower] = true
		names = append(names, lower)
	}
	sort.Strings(names)
	return names
}

func buildCanonicalRequest(r *http.Request, signedHeaders []string, payloadHash string) string {
	var sb strings.Builder

	sb.WriteString(r.Method)
	sb.WriteByte('\n')
	sb.WriteString(canonicalURI(r.URL.Path))
	sb.WriteByte('\n')
	sb.WriteString(canonicalQueryString(r.URL.Query()))
	sb.WriteByte('\n')
	sb.WriteString(canonicalHeaders(r, signedHeaders))
	sb.WriteByte('\n')
	sb.WriteString(strings.Join(signedHeaders, ";"))
	sb.WriteByte('\n')
	sb.WriteString(payloadHash)

	return sb.String()
}

func buildStringToSign(amzDate, scope, canonicalRequest string) string {
	hash := sha256.Sum256([]byte(canonicalRequest))
	return algorithm + "\n" + amzDate + "\n" + scope + "\n" + hex.EncodeToString(hash[:])
}

func deriveSigningKey(secretKey, dateStamp, region, service string) []byte {
	dateKey := hmacSHA256([]byte("AWS4"+secretKey), dateStamp)
	regionKey := hmacSHA256(dateKey, region)
	serviceKey := hmacSHA256(regionKey, service)
	return hmacSHA256(serviceKey, scopeTerminator)
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// canonicalURI URI-encodes each path segment, preserving '/' as a separator.
func canonicalURI(path string) string {
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = uriEncode(seg, false)
	}
	return strings.Join(segments, "/")
}

// canonicalQueryString returns the sorted, URI-encoded query string.
func canonicalQueryString(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	var pairs []string
	for key, vals := range values {
		encodedKey := uriEncode(key, true)
		if len(vals) == 0 {
			pairs = append(pairs, encodedKey+"=")
			continue
		}
		for _, val := range vals {
			pairs = append(pairs, encodedKey+"="+uriEncode(val, true))
		}
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "&")
}

func canonicalHeaders(r *http.Request, signedHeaders []string) string {
	var sb strings.Builder
	for _, name := range signedHeaders {
		var values []string
		if name == "host" {
			host := r.Host
			if host == "" {
				host = r.Header.Get("Host")
			}
			values = []string{host}
		} else {
			values = r.Header.Values(http.CanonicalHeaderKey(name))
		}
		joined := strings.TrimSpace(strings.Join(values, ","))
		for strings.Contains(joined, "  ") {
			joined = strings.ReplaceAll(joined, "  ", " ")
		}
		sb.WriteString(name)
		sb.WriteByte(':')
		sb.WriteString(joined)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// uriEncode percent-encodes s per SigV4 rules: unreserved characters
// (A-Z a-z 0-9 - _ . ~) pass through unescaped; '/' is preserved unless
// encodeSlash is set; everything else becomes uppercase-hex %HH.
func uriEncode(s string, encodeSlash bool) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) || (!encodeSlash && c == '/') {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(hexDigit(c >> 4))
		sb.WriteByte(hexDigit(c & 0x0f))
	}
	return sb.String()
}

func isUnreserved(c byte) bool {
	return (c >= 'A' && c <= 'Z') ||
		(c >= 'a' && c <= 'z') ||
		(c >= '0' && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '~'
}

func hexDigit(b byte) byte {
	if b < 10 {
		return '0' + b
	}
	return 'A' + b - 10
}
