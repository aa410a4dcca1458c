// Package refgen generates collision-resistant external references for
// payments, transfers, and milestone transfers.
package refgen

import (
	"fmt"
	"strings"
	"time"

	"github.com/creatorpay/escrow-engine/internal/idgen"
)

const maxLength = 100

// base36Alphabet is used for the random tail; it keeps references
// compact and case-insensitive-safe for providers that uppercase them.
const base36Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// Payment generates a PAY- reference for an escrow's payment initialization.
func Payment(escrowID string) string {
	return build("PAY", escrowID)
}

// Transfer generates a TRF- reference for an escrow release transfer.
func Transfer(escrowID string) string {
	return build("TRF", escrowID)
}

// MilestoneTransfer generates an MTRF- reference for a milestone release
// transfer.
func MilestoneTransfer(escrowID string) string {
	return build("MTRF", escrowID)
}

// build assembles <prefix>-<escrowId>-<unixMillis>-<rand6>, truncating the
// escrow id if needed to stay within maxLength.
func build(prefix, escrowID string) string {
	ts := time.Now().UnixMilli()
	tail := randomBase36(6)

	ref := fmt.Sprintf("%s-%s-%d-%s", prefix, escrowID, ts, tail)
	if len(ref) <= maxLength {
		return ref
	}

	// Truncate the escrow-id segment to fit; the timestamp+random tail
	// still anchors uniqueness even if the id segment is shortened.
	overflow := len(ref) - maxLength
	if overflow >= len(escrowID) {
		escrowID = escrowID[:1]
	} else {
		escrowID = escrowID[:len(escrowID)-overflow]
	}
	return fmt.Sprintf("%s-%s-%d-%s", prefix, escrowID, ts, tail)
}

// randomBase36 returns n random base36 characters derived from
// crypto/rand bytes via idgen.Hex.
func randomBase36(n int) string {
	raw := idgen.Hex(n)
	var b strings.Builder
	for i := 0; i < n && i < len(raw); i++ {
		idx := int(raw[i]) % len(base36Alphabet)
		b.WriteByte(base36Alphabet[idx])
	}
	return b.String()
}
