package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Normalize lower-cases s, trims it and collapses whitespace runs.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Fingerprint is the deduplication identity of a mistake: a sha256 over the
// normalized key point, original phrase and correction. Each field is length
// prefixed so text cannot shift across a field boundary.
func Fingerprint(keyPoint, original, correction string) string {
	h := sha256.New()
	for _, field := range [...]string{keyPoint, original, correction} {
		field = Normalize(field)
		fmt.Fprintf(h, "%d:%s;", len(field), field)
	}
	return hex.EncodeToString(h.Sum(nil))
}
