package experiment

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// childSeed derives a replication's seed from the experiment's master
// seed. Hashing keeps replications statistically independent of each
// other and stable regardless of the order the pool schedules them in.
func childSeed(master int64, replication int) int64 {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(master))
	binary.BigEndian.PutUint64(buf[8:], uint64(replication))
	digest := blake2b.Sum256(buf[:])
	return int64(binary.BigEndian.Uint64(digest[:8]))
}
