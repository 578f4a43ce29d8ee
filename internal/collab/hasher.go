// hasher.go
package collab

import (
	"github.com/cespare/xxhash/v2"
	json "github.com/goccy/go-json"
)

// queryKey produces a stable xxhash64 identity for a query send. It assumes
// callers serialize the query JSON with a consistent key order. The key is
// diagnostic only; every created query still gets a fresh id.
func queryKey(action, collection string, query json.RawMessage) uint64 {
	h := xxhash.New()
	h.WriteString(action)
	h.Write([]byte{0})
	h.WriteString(collection)
	h.Write([]byte{0})
	h.Write(query)
	return h.Sum64()
}
