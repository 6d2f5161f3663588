// Package domainkey derives the stable grouping key used to diversify batch
// composition across mail server domains.
package domainkey

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ForEmail returns a deterministic hex digest of the lower-cased domain part
// of the given email address, or the empty string when the input has no
// usable domain. The digest is a grouping key only, not a security boundary.
func ForEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return ""
	}
	return ForDomain(email[at+1:])
}

// ForDomain returns the grouping key for a bare domain name.
func ForDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(domain))
	return hex.EncodeToString(sum[:])
}
