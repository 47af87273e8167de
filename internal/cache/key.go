package cache

import (
	"fmt"
	"sort"
	"strings"

	"github.com/memory-agent/retrieval/pkg/utils"
)

// Params that participate in cache key derivation. Anything else the caller
// passes (trace ids, timestamps, tuning hints) must not change the key.
var keyParamWhitelist = map[string]bool{
	"k":          true,
	"query_text": true,
	"query_hash": true,
	"start_date": true,
	"end_date":   true,
}

// Key derives the deterministic cache key for a query type, layer set and
// parameter map. The key is insensitive to layer ordering and to any
// non-whitelisted params: identical logical input always hashes to the
// identical key, and the SHA-256 digest keeps distinct inputs apart.
func Key(queryType string, layers []string, params map[string]string) string {
	sorted := append([]string(nil), layers...)
	sort.Strings(sorted)

	keys := make([]string, 0, len(params))
	for k := range params {
		if keyParamWhitelist[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(queryType)
	b.WriteString("\x1f")
	b.WriteString(strings.Join(sorted, ","))
	for _, k := range keys {
		b.WriteString("\x1f")
		fmt.Fprintf(&b, "%s=%s", k, params[k])
	}

	return utils.HashString(b.String())
}
