package internal

// ShardForKey maps a key onto a stripe in [0, shardCount) using FNV-1a.
// The mapping is stable across restarts and does not allocate.
//
// shardCount must be > 0.
func ShardForKey(key string, shardCount int) int {
	if shardCount <= 0 {
		panic("shardCount must be > 0")
	}

	const (
		fnvOffset uint32 = 2166136261
		fnvPrime  uint32 = 16777619
	)

	hash := fnvOffset
	for i := range len(key) {
		hash ^= uint32(key[i])
		hash *= fnvPrime
	}

	return int(hash % uint32(shardCount)) //nolint:gosec // shardCount is positive
}
