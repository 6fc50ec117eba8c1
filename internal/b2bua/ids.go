package b2bua

import (
	"crypto/rand"
	"encoding/hex"
)

// branchMagicCookie is the RFC 3261 §8.1.1.7 prefix that marks a Via
// branch parameter as produced by an RFC 3261-compliant element.
const branchMagicCookie = "z9hG4bK"

// newBranch mints a fresh Via branch id, grounded on
// media.GenerateSSRC/GenerateSequenceStart's crypto/rand-with-fallback
// idiom, applied here to SIP branch generation instead of RTP fields.
func newBranch() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return branchMagicCookie + "fallback"
	}
	return branchMagicCookie + hex.EncodeToString(b[:])
}
