package sync

import "testing"

func TestComputeThreadIDUsesRootReference(t *testing.T) {
	root := "<root@example.com>"
	refs := []string{root, "<reply1@example.com>"}

	id1 := computeThreadID("<reply2@example.com>", refs)
	id2 := computeThreadID("<unrelated@example.com>", refs)

	if id1 != id2 {
		t.Fatalf("expected thread ID to depend only on the root reference, got %d vs %d", id1, id2)
	}
}

func TestComputeThreadIDFallsBackToOwnMessageID(t *testing.T) {
	id1 := computeThreadID("<only@example.com>", nil)
	id2 := computeThreadID("<only@example.com>", nil)
	id3 := computeThreadID("<different@example.com>", nil)

	if id1 != id2 {
		t.Fatalf("expected deterministic hash for the same message-id")
	}
	if id1 == id3 {
		t.Fatalf("expected distinct roots to hash differently")
	}
}

func TestExtractReferencesParsesAngleBracketedIDs(t *testing.T) {
	raw := []byte("References: <a@example.com> <b@example.com>\r\n\r\nbody")
	refs := extractReferences(raw)
	if len(refs) != 2 || refs[0] != "<a@example.com>" || refs[1] != "<b@example.com>" {
		t.Fatalf("unexpected references: %v", refs)
	}
}

func TestExtractReferencesNoHeader(t *testing.T) {
	raw := []byte("Subject: hi\r\n\r\nbody")
	if refs := extractReferences(raw); refs != nil {
		t.Fatalf("expected nil references, got %v", refs)
	}
}
