package sync

import "hash/fnv"

// computeThreadID hashes the root of a message's References chain down to
// a stable 64-bit ID: if references exist, the thread root is the first
// entry (the original message the chain grew from); otherwise the message
// is its own root and its own Message-ID is hashed. Using a deterministic
// hash instead of the Message-ID string itself keeps ThreadID comparisons
// and the thread_id column cheap.
func computeThreadID(messageID string, references []string) uint64 {
	h := fnv.New64a()
	if len(references) > 0 {
		h.Write([]byte(references[0]))
	} else {
		h.Write([]byte(messageID))
	}
	return h.Sum64()
}
