// Package addressing computes deterministic network addresses for
// deployments: static TCP host ports and HTTP subdomains, both pure
// functions of challenge identity so they survive catalog reloads. It also
// exposes the Crockford base32 alphabet used elsewhere for opaque tokens.
package addressing

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"fmt"
)

// CrockfordLowerAlphabet is the Crockford base32 alphabet (excludes i, l, o,
// u to avoid visual ambiguity), lowercased.
const CrockfordLowerAlphabet = "0123456789abcdefghjkmnpqrstvwxyz"

// CrockfordLowerEncoding is an unpadded Crockford base32 encoder/decoder.
var CrockfordLowerEncoding = base32.NewEncoding(CrockfordLowerAlphabet).WithPadding(base32.NoPadding)

// StaticTCPPort computes the deterministic host port for a Static
// challenge's container port. It is a pure function of its inputs so the
// public address never shifts across catalog reloads for returning
// players; bumpSeed is an authored escape valve for hash collisions.
func StaticTCPPort(slug, containerName string, containerPort uint16, bumpSeed uint64) uint16 {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s/%s/%d,%d", slug, containerName, containerPort, bumpSeed)))
	n := binary.LittleEndian.Uint16(sum[:2])
	const offset = 1025
	if int(n)+offset > 0xFFFF {
		return 0xFFFF
	}
	return n + offset
}

// HTTPSubdomain computes the deterministic subdomain for a container's HTTP
// exposure. publicTeamID is empty for Static challenges. Stable for a given
// (slug, team, port) triple so cached DNS / bookmarks remain valid.
func HTTPSubdomain(slug, publicTeamID string, containerPort uint16) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s/%s/%d", slug, publicTeamID, containerPort)))
	// First 40 bits (40 mod 5 == 0) encode cleanly to 8 base32 characters.
	return fmt.Sprintf("%s-%s", slug, CrockfordLowerEncoding.EncodeToString(sum[:5]))
}
