package gridsync

import (
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	hex32Pattern      = regexp.MustCompile(`[0-9a-fA-F]{32}`)
	dashedUUIDPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	percentEscape     = regexp.MustCompile(`%[0-9a-fA-F]{2}`)
	exactHex32        = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)
	exactDashedUUID   = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// Decode percent-decodes an opaque property or resource identifier.
// Malformed escapes leave the input unchanged.
func Decode(id string) string {
	decoded, err := url.PathUnescape(id)
	if err != nil {
		return id
	}
	return decoded
}

// NormalizeName canonicalizes a property name for case- and
// whitespace-insensitive comparison: NFKC, trimmed, internal runs of
// whitespace collapsed to single spaces, lowercased.
func NormalizeName(s string) string {
	s = norm.NFKC.String(s)
	fields := strings.Fields(s)
	return strings.ToLower(strings.Join(fields, " "))
}

// ExtractID32 pulls a 32-hex identifier out of a raw id, a dashed UUID,
// or a URL containing either. Input without one passes through verbatim.
func ExtractID32(input string) string {
	trimmed := strings.TrimSpace(input)
	if match := hex32Pattern.FindString(trimmed); match != "" {
		return match
	}
	if match := dashedUUIDPattern.FindString(trimmed); match != "" {
		return strings.ReplaceAll(match, "-", "")
	}
	return input
}

// ToDashedForm converts an exactly-32-hex identifier to the canonical
// 8-4-4-4-12 grouping. Anything else passes through unchanged.
func ToDashedForm(id32 string) string {
	if !exactHex32.MatchString(id32) {
		return id32
	}
	return id32[0:8] + "-" + id32[8:12] + "-" + id32[12:16] + "-" + id32[16:20] + "-" + id32[20:32]
}

// LooksLikeID reports whether an alias key should be matched against
// property ids rather than property names. The rule is deliberately
// strict: a percent escape, a bare 32-hex id, or a dashed UUID. Short
// plain names like "Id" never qualify.
func LooksLikeID(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	if percentEscape.MatchString(s) {
		return true
	}
	return exactHex32.MatchString(s) || exactDashedUUID.MatchString(s)
}
