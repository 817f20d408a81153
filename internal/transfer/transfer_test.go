package transfer

import (
	"path/filepath"
	"testing"
)

func TestStorePutGetList(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenStore(filepath.Join(dir, "transfers.json"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}

	rec := &Record{
		ID:         NewID(),
		MessageID:  "msg-1",
		PeerPubkey: "peer-a",
		Direction:  DirectionSend,
		DriveKey:   "drive-1",
		State:      StateTransferring,
	}
	if err := s.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok := s.Get(rec.ID)
	if !ok || got.MessageID != "msg-1" {
		t.Fatalf("Get(%s) = %+v, %v", rec.ID, got, ok)
	}
	if len(s.List()) != 1 {
		t.Errorf("List() has %d records, want 1", len(s.List()))
	}
}

func TestStoreReloadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "transfers.json")

	s1, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	rec := &Record{ID: NewID(), MessageID: "msg-1", PeerPubkey: "peer-a", DriveKey: "drive-1", State: StateComplete}
	if err := s1.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	s2, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore (reload): %v", err)
	}
	if len(s2.List()) != 1 {
		t.Fatalf("reloaded store has %d records, want 1", len(s2.List()))
	}
}

func TestActiveForDriveExcludesTerminalStates(t *testing.T) {
	dir := t.TempDir()
	s, _ := OpenStore(filepath.Join(dir, "transfers.json"))

	active := &Record{ID: NewID(), DriveKey: "drive-1", State: StateTransferring}
	done := &Record{ID: NewID(), DriveKey: "drive-1", State: StateComplete}
	failed := &Record{ID: NewID(), DriveKey: "drive-1", State: StateFailed}
	other := &Record{ID: NewID(), DriveKey: "drive-2", State: StateTransferring}
	for _, r := range []*Record{active, done, failed, other} {
		if err := s.Put(r); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	got := s.ActiveForDrive("drive-1")
	if len(got) != 1 || got[0].ID != active.ID {
		t.Errorf("ActiveForDrive(drive-1) = %v, want only %s", got, active.ID)
	}
}

func TestDumpStringIncludesEveryRecord(t *testing.T) {
	dir := t.TempDir()
	s, _ := OpenStore(filepath.Join(dir, "transfers.json"))
	s.Put(&Record{ID: "aaa", MessageID: "msg-1", PeerPubkey: "peer-a", DriveKey: "drive-1", State: StateComplete})

	dump := s.DumpString()
	if !contains(dump, "aaa") || !contains(dump, "msg-1") {
		t.Errorf("DumpString() = %q, missing expected fields", dump)
	}
}
