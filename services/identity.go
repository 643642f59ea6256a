package services

import (
	"crypto/sha256"
	"encoding/hex"
	"net/mail"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/cppla/passbook/utils"
)

// authSecretBytes is the entropy of a device auth secret before hex encoding.
const authSecretBytes = 16

// NormalizeEmail trims, lowercases and NFC-normalizes an address and checks its shape.
func NormalizeEmail(email string) (string, error) {
	e := norm.NFC.String(strings.ToLower(strings.TrimSpace(email)))
	if e == "" || strings.ContainsAny(e, " \t\r\n") {
		return "", ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(e)
	if err != nil || addr.Address != e {
		return "", ErrInvalidEmail
	}
	return e, nil
}

// SerialFor derives the pass serial of an already-normalized email: every character
// outside [A-Za-z0-9_-] becomes '_'. The mapping is stable; changing it would orphan issued passes.
func SerialFor(email string) string {
	var b strings.Builder
	b.Grow(len(email))
	for _, r := range email {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// DisambiguatedSerial is used when SerialFor(email) is already held by another member.
func DisambiguatedSerial(email string) string {
	sum := sha256.Sum256([]byte(email))
	return SerialFor(email) + "_" + hex.EncodeToString(sum[:])[:8]
}

// IssueAuthSecret returns a fresh device auth secret.
func IssueAuthSecret() (string, error) {
	return utils.RandomHex(authSecretBytes)
}
