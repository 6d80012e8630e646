package sync

import "hash/fnv"

// mailboxHash derives a stable per-account folder identifier from its IMAP
// path: something the cache can use as a foreign key without caring about
// the server's own mailbox numbering.
func mailboxHash(accountID, path string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(accountID))
	h.Write([]byte{0})
	h.Write([]byte(path))
	return h.Sum64()
}

// envelopeHash derives a stable per-account message identifier. Message-ID
// is preferred so the hash survives a move between folders; a message
// lacking one (rare, but some spam lacks headers entirely) falls back to
// its mailbox+UID, which is only stable until the next UIDVALIDITY change —
// acceptable since this module intentionally doesn't track UID deltas.
func envelopeHash(accountID, messageID string, mbHash uint64, uid uint32) uint64 {
	h := fnv.New64a()
	h.Write([]byte(accountID))
	h.Write([]byte{0})
	if messageID != "" {
		h.Write([]byte(messageID))
		return h.Sum64()
	}
	var buf [12]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(mbHash >> (8 * i))
	}
	for i := 0; i < 4; i++ {
		buf[8+i] = byte(uid >> (8 * i))
	}
	h.Write(buf[:])
	return h.Sum64()
}
