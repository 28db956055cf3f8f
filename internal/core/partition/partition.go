package partition

import "hash/fnv"

// Count is the number of shards an actor registry spreads its keys over.
const Count = 256

// For returns the registry shard owning key.
func For(key string) int {
	return Of(key, Count)
}

// Of maps key onto [0, n) using FNV-32a. The mapping depends only on key and
// n, so it is stable across processes and restarts. n must be positive.
func Of(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
