package eventlog

import (
	"hash/fnv"
	"strconv"
)

// PartitionCount is the fixed number of partitions for the "events" topic
// (spec.md §4.4: "default 8"). Rebalancing across a different count is out
// of scope.
const PartitionCount = 8

// partitionFor returns the stable partition index for a partition key. A
// plain FNV-1a hash is used rather than Go's built-in map hashing (which is
// randomized per process) so that partition assignment is reproducible
// across daemon restarts — required by spec.md §4.4's invariant that all
// events for a given session land on the same partition.
func partitionFor(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % PartitionCount
}

// subjectForPartition returns the NATS JetStream subject used for a given
// partition index. Each partition is backed by its own stream/subject pair
// so that JetStream's own per-subject ordering guarantee gives us
// per-partition (and therefore per-session) FIFO for free.
func subjectForPartition(p uint32) string {
	return streamSubjectPrefix + strconv.FormatUint(uint64(p), 10)
}
