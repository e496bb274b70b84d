package block

import (
	"crypto/sha256"
	"encoding/hex"
)

// versionIDHexLen is the number of hex characters kept from the SHA-256
// digest. 32 chars (128 bits) keeps ids short enough for logs and URLs
// while making accidental collisions within a chain implausible.
const versionIDHexLen = 32

// VersionID derives the content-addressed id of a version from its parent
// and content. Identical histories produce identical ids, which is what
// makes duplicate commits detectable. The creation timestamp is deliberately
// excluded so the derivation stays deterministic.
func VersionID(parentVersionID, body, author, message string) string {
	h := sha256.New()
	// NUL separators prevent ambiguity between adjacent fields.
	h.Write([]byte(parentVersionID))
	h.Write([]byte{0})
	h.Write([]byte(author))
	h.Write([]byte{0})
	h.Write([]byte(message))
	h.Write([]byte{0})
	h.Write([]byte(body))
	return "ver_" + hex.EncodeToString(h.Sum(nil))[:versionIDHexLen]
}
