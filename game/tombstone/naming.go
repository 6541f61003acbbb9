package tombstone

import (
	"encoding/base64"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	userPrefix   = "user_"
	hashPrefix   = "hash_"
	fileSuffix   = "_tombstones.json"
	zstdSuffix   = ".zst"
	maxEncodeLen = 200
)

// EncodeOwner turns an owner identity into a filesystem-safe name stem.
// The user_ form is reversible; identities too long for a file name fall
// back to a one-way hash_ form.
func EncodeOwner(owner string) string {
	enc := userPrefix + base64.RawURLEncoding.EncodeToString([]byte(owner))
	if len(enc) <= maxEncodeLen {
		return enc
	}
	sum := blake2b.Sum256([]byte(owner))
	return hashPrefix + hex.EncodeToString(sum[:])
}

// FileName returns the document name for owner.
func FileName(owner string, compress bool) string {
	name := EncodeOwner(owner) + fileSuffix
	if compress {
		name += zstdSuffix
	}
	return name
}

// IsTombstoneFile reports whether name looks like a tombstone document.
func IsTombstoneFile(name string) bool {
	name = strings.TrimSuffix(name, zstdSuffix)
	return strings.HasSuffix(name, fileSuffix) &&
		(strings.HasPrefix(name, userPrefix) || strings.HasPrefix(name, hashPrefix))
}

// DecodeOwner recovers the owner identity from a document name. It returns
// false for hash_ names, whose owner is only stored inside the document.
func DecodeOwner(fileName string) (string, bool) {
	stem := strings.TrimSuffix(strings.TrimSuffix(fileName, zstdSuffix), fileSuffix)
	if !strings.HasPrefix(stem, userPrefix) {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(stem, userPrefix))
	if err != nil {
		return "", false
	}
	return string(raw), true
}
