package utils

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newFileAuditLogger(t *testing.T) (*AuditLogger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	a, err := NewAuditLogger(&AuditConfig{
		FilePath:  path,
		NodeID:    "node-test",
		Component: "test",
	})
	if err != nil {
		t.Fatalf("create audit logger: %v", err)
	}
	return a, path
}

func readRecords(t *testing.T, path string) []AuditRecord {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()

	var out []AuditRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec AuditRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("parse audit record: %v", err)
		}
		out = append(out, rec)
	}
	return out
}

func TestAuditRecordsAreChained(t *testing.T) {
	a, path := newFileAuditLogger(t)

	if err := a.Info("engine_started", map[string]interface{}{"n": 4}); err != nil {
		t.Fatalf("info: %v", err)
	}
	if err := a.Security("node_suspected", map[string]interface{}{"node_id": "node-1"}); err != nil {
		t.Fatalf("security: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	recs := readRecords(t, path)
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Sequence != 1 || recs[1].Sequence != 2 {
		t.Fatalf("sequence not monotonic: %d, %d", recs[0].Sequence, recs[1].Sequence)
	}
	if recs[0].PrevHash != "" {
		t.Fatal("first record must not have a predecessor hash")
	}
	// the second record links to the first
	want := chainHash("", &AuditRecord{
		Timestamp: recs[0].Timestamp,
		Sequence:  recs[0].Sequence,
		Event:     recs[0].Event,
		Severity:  recs[0].Severity,
	})
	if recs[1].PrevHash != want {
		t.Fatalf("chain broken: %s != %s", recs[1].PrevHash, want)
	}
	if recs[1].Severity != AuditSecurity {
		t.Fatalf("expected SECURITY severity, got %s", recs[1].Severity)
	}
}

func TestAuditSigning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	a, err := NewAuditLogger(&AuditConfig{
		FilePath:      path,
		EnableSigning: true,
		SigningKey:    []byte("shared-secret"),
	})
	if err != nil {
		t.Fatalf("create audit logger: %v", err)
	}
	if err := a.Warn("alert_created", nil); err != nil {
		t.Fatalf("warn: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	recs := readRecords(t, path)
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].Signature == "" {
		t.Fatal("expected a signature with signing enabled")
	}
}

func TestAuditCloseIsIdempotent(t *testing.T) {
	a, _ := newFileAuditLogger(t)
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := a.Info("after_close", nil); !errors.Is(err, ErrAuditLogClosed) {
		t.Fatalf("expected ErrAuditLogClosed, got %v", err)
	}
}
