package orders

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// clientOrderIDPrefix marks IDs minted by this engine so reconciliation
	// can tell our orders from manually placed ones.
	clientOrderIDPrefix = "ate"

	// MaxClientOrderIDLength is the broker's client order ID cap.
	MaxClientOrderIDLength = 48
)

// ClientOrderID derives a deterministic client order ID from the logical
// order identity: symbol, side, quantity, price hint, and the submission
// timestamp floored to the minute. Retrying the same logical order inside the
// same minute reproduces the same ID, which the broker deduplicates,
// giving at-most-once semantics without a central dedup store.
func ClientOrderID(symbol, side string, qty int64, priceHint float64, ts time.Time) string {
	minute := ts.UTC().Truncate(time.Minute).Unix()
	key := fmt.Sprintf("%s|%s|%d|%.4f|%d", strings.ToUpper(symbol), strings.ToLower(side), qty, priceHint, minute)
	h := fnv.New64a()
	h.Write([]byte(key))
	return fmt.Sprintf("%s-%s-%016x", clientOrderIDPrefix, strings.ToUpper(symbol), h.Sum64())
}

// RelatedOrderID derives the ID for a child order (stop or target leg, or a
// replacement stop) from its parent's client order ID. The suffix keeps the
// child unique while preserving the deterministic base.
func RelatedOrderID(baseID, suffix string) string {
	id := baseID + "-" + suffix
	if len(id) > MaxClientOrderIDLength {
		// Re-hash instead of truncating so distinct inputs stay distinct.
		h := fnv.New64a()
		h.Write([]byte(id))
		id = fmt.Sprintf("%s-%016x", clientOrderIDPrefix, h.Sum64())
	}
	return id
}

// FallbackOrderID mints a random ID for operations with no stable logical
// identity (engine-initiated flattens, orphan cleanups). Not idempotent.
func FallbackOrderID() string {
	return clientOrderIDPrefix + "-" + uuid.New().String()
}

// IsEngineOrderID reports whether a client order ID was minted here.
func IsEngineOrderID(id string) bool {
	return strings.HasPrefix(id, clientOrderIDPrefix+"-")
}
