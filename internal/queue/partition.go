package queue

import "hash/fnv"

func partitionHash(key string, partitionCount int) int {
	if partitionCount <= 0 {
		partitionCount = 1
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32()) % partitionCount
}
