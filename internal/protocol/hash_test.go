package protocol

import "testing"

func TestNewAuditEntryDeterministicHash(t *testing.T) {
	details := map[string]any{"domain": "defi", "score": int64(80)}
	e1, err := NewAuditEntry(ActionEvaluationCompleted, details, 1700000000)
	if err != nil {
		t.Fatalf("NewAuditEntry: %v", err)
	}
	e2, err := NewAuditEntry(ActionEvaluationCompleted, map[string]any{"score": int64(80), "domain": "defi"}, 1700000000)
	if err != nil {
		t.Fatalf("NewAuditEntry: %v", err)
	}
	if e1.EntryHash != e2.EntryHash {
		t.Fatalf("hash depends on key insertion order: %q vs %q", e1.EntryHash, e2.EntryHash)
	}
	if len(e1.EntryHash) != 64 {
		t.Fatalf("entry hash is not a 32-byte hex digest: %q", e1.EntryHash)
	}
}

func TestNewAuditEntryHashCoversAllFields(t *testing.T) {
	base, err := NewAuditEntry(ActionChallengePassed, map[string]any{"peer": "beta"}, 100)
	if err != nil {
		t.Fatalf("NewAuditEntry: %v", err)
	}
	otherType, _ := NewAuditEntry(ActionChallengeFailed, map[string]any{"peer": "beta"}, 100)
	otherTime, _ := NewAuditEntry(ActionChallengePassed, map[string]any{"peer": "beta"}, 101)
	otherDetails, _ := NewAuditEntry(ActionChallengePassed, map[string]any{"peer": "gamma"}, 100)
	for name, e := range map[string]AuditEntry{
		"action_type": otherType,
		"timestamp":   otherTime,
		"details":     otherDetails,
	} {
		if e.EntryHash == base.EntryHash {
			t.Fatalf("changing %s did not change the entry hash", name)
		}
	}
}

func TestAnswerHashDeterministic(t *testing.T) {
	h1 := AnswerHash("total value locked")
	h2 := AnswerHash("total value locked")
	if h1 != h2 {
		t.Fatalf("answer hash not deterministic: %q vs %q", h1, h2)
	}
	if h1 == AnswerHash("Total Value Locked") {
		t.Fatalf("answer hash should be case sensitive")
	}
}

func TestRandomIDPrefix(t *testing.T) {
	id, err := RandomID("chal")
	if err != nil {
		t.Fatalf("RandomID: %v", err)
	}
	if len(id) != len("chal_")+32 {
		t.Fatalf("unexpected id length: %q", id)
	}
	if id[:5] != "chal_" {
		t.Fatalf("missing prefix: %q", id)
	}
}
