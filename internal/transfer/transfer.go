// Package transfer implements quince's file-transfer coordinator: it
// holds inbound messages whose bodies reference files, drives the
// FILE_REQUEST/FILE_OFFER/FILE_COMPLETE exchange, replicates blocks
// through internal/content's volumes, and rewrites message bodies with
// local paths (or failure markers) once transfer finishes.
package transfer

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lispmeister/quince/internal/safeio"
)

// Direction distinguishes the sender's and receiver's halves of one
// file transfer.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// State is a transfer's position in its lifecycle.
type State string

const (
	StatePending      State = "pending"
	StateOffered      State = "offered"
	StateAccepted     State = "accepted"
	StateTransferring State = "transferring"
	StateComplete     State = "complete"
	StateFailed       State = "failed"
)

// FileInfo is one file within a transfer record.
type FileInfo struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
	Hash string `json:"hash"`
}

// Record is the durable state of one file transfer.
type Record struct {
	ID         string     `json:"id"`
	MessageID  string     `json:"messageId"`
	PeerPubkey string     `json:"peerPubkey"`
	Direction  Direction  `json:"direction"`
	DriveKey   string     `json:"driveKey"`
	Files      []FileInfo `json:"files"`
	State      State      `json:"state"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// PendingMessage is an inbound MESSAGE held in memory until its file refs
// resolve. In-memory only, lifetime capped at 5 minutes; pending
// messages are lost on restart and the sender must re-send.
type PendingMessage struct {
	MessageID      string
	Mime           string
	SenderPubkey   string
	SenderAlias    string
	SignatureValid bool
	Refs           []string
	ReceivedAt     time.Time
}

// Store is transfers.json: one JSON array of every Record the coordinator
// has ever created, rewritten atomically on every mutation, the same
// disk-is-truth discipline internal/queue and internal/inbox use.
type Store struct {
	path string

	mu      sync.Mutex
	records map[string]*Record
}

// OpenStore loads path (typically "<data dir>/transfers.json"), creating
// an empty store if it doesn't exist yet.
func OpenStore(path string) (*Store, error) {
	s := &Store{path: path, records: make(map[string]*Record)}

	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("transfer: reading %s: %w", path, err)
	}
	if len(buf) == 0 {
		return s, nil
	}

	var records []*Record
	if err := json.Unmarshal(buf, &records); err != nil {
		return nil, fmt.Errorf("transfer: corrupt %s: %w", path, err)
	}
	for _, r := range records {
		s.records[r.ID] = r
	}
	return s, nil
}

// NewID mints a random 16-byte hex transfer id, the same shape as
// message and envelope ids.
func NewID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err) // crypto/rand failing means the system is broken
	}
	return hex.EncodeToString(buf)
}

// Put inserts or replaces r and persists the whole store to disk.
func (s *Store) Put(r *Record) error {
	r.UpdatedAt = time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = r.UpdatedAt
	}

	s.mu.Lock()
	s.records[r.ID] = r
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	return s.write(snapshot)
}

// Get returns the record for id, if any.
func (s *Store) Get(id string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	return r, ok
}

// ActiveForDrive returns every non-terminal record whose DriveKey
// matches, used to decide whether a sender-side volume is still
// referenced by another in-flight transfer before it is closed.
func (s *Store) ActiveForDrive(driveKey string) []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Record
	for _, r := range s.records {
		if r.DriveKey != driveKey {
			continue
		}
		if r.State == StateComplete || r.State == StateFailed {
			continue
		}
		out = append(out, r)
	}
	return out
}

// List returns every record, for the (out-of-scope) inspection surface.
func (s *Store) List() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out
}

// DumpString renders every record as a human-readable summary, for the
// HTTP/CLI inspection surface.
func (s *Store) DumpString() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := ""
	for _, r := range s.records {
		out += fmt.Sprintf("%s  %s  peer=%s  dir=%s  state=%s  files=%d\n",
			r.ID, r.MessageID, r.PeerPubkey, r.Direction, r.State, len(r.Files))
	}
	return out
}

func (s *Store) snapshotLocked() []*Record {
	out := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out
}

func (s *Store) write(records []*Record) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	buf, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("transfer: marshal: %w", err)
	}
	return safeio.WriteFile(s.path, buf, 0600)
}
