// Package redact scrubs known-sensitive header and query-parameter values
// out of wire-level debug dumps.
//
// The teacher's cache/network/api.go logs full request/response dumps via
// httputil.DumpRequest/DumpResponse at debug level for diagnosability. Doing
// that unmodified here would leak the Authorization header, SigV4 query
// signatures, and B2 bearer tokens into --verbose output. This package
// generalizes the teacher's secretkeys.Manager (an env-var-name allowlist)
// into a fixed allowlist of header/query-parameter names known to carry
// credentials, so the "dump the wire traffic at debug level" idiom survives
// without the leak.
package redact

import (
	"regexp"
)

const mask = "***REDACTED***"

// sensitiveHeaders are header names whose values are always replaced before
// a dump is logged, matched case-insensitively.
var sensitiveHeaders = []string{
	"Authorization",
	"X-Bz-File-Name",
}

// sensitiveQueryParams are URL query parameter names carrying SigV4
// signatures or presigned-URL credentials.
var sensitiveQueryParams = []string{
	"X-Amz-Signature",
	"X-Amz-Credential",
	"X-Amz-Security-Token",
}

var headerPattern = buildPattern(sensitiveHeaders)
var queryPattern = buildQueryPattern(sensitiveQueryParams)

func buildPattern(names []string) *regexp.Regexp {
	var alt string
	for i, n := range names {
		if i > 0 {
			alt += "|"
		}
		alt += regexp.QuoteMeta(n)
	}
	return regexp.MustCompile(`(?im)^(` + alt + `):\s*.*$`)
}

func buildQueryPattern(names []string) *regexp.Regexp {
	var alt string
	for i, n := range names {
		if i > 0 {
			alt += "|"
		}
		alt += regexp.QuoteMeta(n)
	}
	return regexp.MustCompile(`(` + alt + `)=[^&\s"]*`)
}

// Bytes redacts sensitive header lines and query-string values from a raw
// HTTP dump produced by httputil.DumpRequest/DumpResponse.
func Bytes(dump []byte) []byte {
	out := headerPattern.ReplaceAll(dump, []byte("$1: "+mask))
	out = queryPattern.ReplaceAll(out, []byte("$1="+mask))
	return out
}

// String is a convenience wrapper around Bytes for callers that already
// have the dump as a string.
func String(dump string) string {
	return string(Bytes([]byte(dump)))
}
