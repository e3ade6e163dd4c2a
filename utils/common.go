package utils

import (
	"hash/fnv"
)

// KeyToSlot maps key onto one of n slots. Both branches of a global
// transaction hash the same gtrid, so they land on the same pooled connection.
func KeyToSlot(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New64()
	h.Write([]byte(key))
	return int(h.Sum64() % uint64(n))
}
