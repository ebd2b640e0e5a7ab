// Package signature derives the content signature used as the record
// idempotency key.
package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/JakeFAU/adharvest/internal/harvest"
)

const fieldSep = "\x1f"

// Normalize folds Unicode compatibility forms and case and collapses whitespace.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(norm.NFKC.String(s))), " ")
}

// Of returns the hex SHA-256 of the normalized advertiser, headline and body.
// Media, links, geometry and timestamps do not participate.
func Of(r harvest.Record) string {
	h := sha256.New()
	h.Write([]byte(Normalize(r.Advertiser)))
	h.Write([]byte(fieldSep))
	h.Write([]byte(Normalize(r.Headline)))
	h.Write([]byte(fieldSep))
	h.Write([]byte(Normalize(r.Body)))
	return hex.EncodeToString(h.Sum(nil))
}

// Empty reports whether a record carries no text to sign.
func Empty(r harvest.Record) bool {
	return Normalize(r.Advertiser) == "" && Normalize(r.Headline) == "" && Normalize(r.Body) == ""
}
