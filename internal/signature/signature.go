// Package signature verifies that webhook bodies were produced by a payment
// gateway holding the shared secret.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strings"
)

const (
	HeaderClientID         = "Client-Id"
	HeaderRequestID        = "Request-Id"
	HeaderRequestTimestamp = "Request-Timestamp"
	HeaderSignature        = "Signature"

	hmacPrefix   = "HMACSHA256="
	digestPrefix = "SHA-256="
)

// Digest returns base64(sha256(body)) of the exact bytes received.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// CanonicalString builds the newline-joined component list signed by the
// canonical-string scheme. The Digest line, "Digest: SHA-256=<digest>", is
// present only for non-empty bodies.
func CanonicalString(clientID, requestID, timestamp, target string, body []byte) string {
	var b strings.Builder
	b.WriteString("Client-Id:")
	b.WriteString(clientID)
	b.WriteString("\nRequest-Id:")
	b.WriteString(requestID)
	b.WriteString("\nRequest-Timestamp:")
	b.WriteString(timestamp)
	b.WriteString("\nRequest-Target:")
	b.WriteString(target)
	if len(body) > 0 {
		b.WriteString("\nDigest: ")
		b.WriteString(digestPrefix)
		b.WriteString(Digest(body))
	}
	return b.String()
}

// CanonicalSignature returns the header value a sender puts in Signature.
func CanonicalSignature(clientID, requestID, timestamp, target string, body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(strings.TrimSpace(secret)))
	mac.Write([]byte(CanonicalString(clientID, requestID, timestamp, target, body)))
	return hmacPrefix + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyCanonical checks the HMAC-SHA256 canonical-string scheme. Missing
// headers are not short-circuited: the full computation always runs so a
// malformed request costs the same as a bad signature.
func VerifyCanonical(body []byte, headers http.Header, target string, secret string) bool {
	expected := CanonicalSignature(
		headers.Get(HeaderClientID),
		headers.Get(HeaderRequestID),
		headers.Get(HeaderRequestTimestamp),
		target,
		body,
		secret,
	)
	provided := strings.TrimSpace(headers.Get(HeaderSignature))
	provided = strings.TrimPrefix(provided, hmacPrefix)
	expected = strings.TrimPrefix(expected, hmacPrefix)

	ok := hmac.Equal([]byte(provided), []byte(expected))
	return ok && provided != "" && strings.TrimSpace(secret) != ""
}

// FieldSignature returns hex(sha512(orderID + statusCode + grossAmount + serverKey)).
func FieldSignature(orderID, statusCode, grossAmount, serverKey string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + serverKey))
	return hex.EncodeToString(sum[:])
}

// VerifyFieldConcat checks the SHA-512 field-concatenation scheme,
// case-insensitively and in constant time.
func VerifyFieldConcat(orderID, statusCode, grossAmount, serverKey, provided string) bool {
	expected := FieldSignature(orderID, statusCode, grossAmount, serverKey)
	got := strings.ToLower(strings.TrimSpace(provided))

	ok := subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
	return ok && serverKey != ""
}
