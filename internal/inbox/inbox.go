// Package inbox implements quince's append-only inbox store: an
// index.json list of envelope metadata next to one <ts>-<id>.eml file
// per stored message. Maildir-adjacent, without the tmp/new/cur dance,
// since quince messages are never re-delivered.
package inbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lispmeister/quince/internal/safeio"
)

// Entry is one inbox index record.
type Entry struct {
	ID             string    `json:"id"`
	File           string    `json:"file"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	Subject        string    `json:"subject"`
	SenderPubkey   string    `json:"senderPubkey"`
	SignatureValid bool      `json:"signatureValid"`
	ReceivedAt     time.Time `json:"receivedAt"`
	ContentType    string    `json:"contentType,omitempty"`
	MessageType    string    `json:"messageType,omitempty"`
	MessageID      string    `json:"messageId,omitempty"`
	InReplyTo      string    `json:"inReplyTo,omitempty"`
	References     string    `json:"references,omitempty"`
}

// Store is an append-only directory of .eml files plus a JSON index.
type Store struct {
	dir string

	mu      sync.Mutex
	entries []Entry
}

func indexPath(dir string) string { return filepath.Join(dir, "index.json") }

// Open loads dir's existing index.json (if any) and returns a ready Store.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("inbox: mkdir %s: %w", dir, err)
	}

	s := &Store{dir: dir}

	buf, err := os.ReadFile(indexPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("inbox: reading index: %w", err)
	}
	if len(buf) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(buf, &s.entries); err != nil {
		return nil, fmt.Errorf("inbox: corrupt index: %w", err)
	}
	return s, nil
}

// Store writes mime's headers-derived metadata plus the MIME itself to a
// new <received_at>-<id>.eml file, appends the resulting Entry to the
// index, and returns it.
func (s *Store) Store(id, mime, senderPubkey string, signatureValid bool) (Entry, error) {
	now := time.Now()
	filename := fmt.Sprintf("%d-%s.eml", now.UnixNano(), id)

	if err := safeio.WriteFile(filepath.Join(s.dir, filename), []byte(mime), 0600); err != nil {
		return Entry{}, fmt.Errorf("inbox: writing %s: %w", filename, err)
	}

	e := Entry{
		ID:             id,
		File:           filename,
		From:           header(mime, "From"),
		To:             header(mime, "To"),
		Subject:        header(mime, "Subject"),
		SenderPubkey:   senderPubkey,
		SignatureValid: signatureValid,
		ReceivedAt:     now,
		ContentType:    header(mime, "Content-Type"),
		MessageType:    header(mime, "X-Quince-Message-Type"),
		MessageID:      header(mime, "Message-ID"),
		InReplyTo:      header(mime, "In-Reply-To"),
		References:     header(mime, "References"),
	}

	s.mu.Lock()
	s.entries = append(s.entries, e)
	entries := append([]Entry(nil), s.entries...)
	s.mu.Unlock()

	if err := s.writeIndex(entries); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// List returns every entry currently in the index, oldest first.
func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

// Get returns the entry with the given id, if any.
func (s *Store) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// ReadContent returns the full MIME text stored for e.
func (s *Store) ReadContent(e Entry) (string, error) {
	buf, err := os.ReadFile(filepath.Join(s.dir, e.File))
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// Delete unlinks e's .eml file and removes it from the index.
func (s *Store) Delete(e Entry) error {
	s.mu.Lock()
	kept := s.entries[:0:0]
	for _, cur := range s.entries {
		if cur.ID != e.ID {
			kept = append(kept, cur)
		}
	}
	s.entries = kept
	entries := append([]Entry(nil), s.entries...)
	s.mu.Unlock()

	if err := os.Remove(filepath.Join(s.dir, e.File)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("inbox: removing %s: %w", e.File, err)
	}
	return s.writeIndex(entries)
}

func (s *Store) writeIndex(entries []Entry) error {
	buf, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("inbox: marshal index: %w", err)
	}
	return safeio.WriteFile(indexPath(s.dir), buf, 0600)
}

// headerRe matches "Name:" at the start of a logical header line; callers
// fold RFC 5322 continuation lines (leading whitespace) into the previous
// line before extraction.
var headerRe = regexp.MustCompile(`(?m)^([A-Za-z][A-Za-z0-9-]*):[ \t]*(.*)$`)

// header extracts the first occurrence of name from mime, case-insensitive,
// trimming the matched value and unfolding continuation lines.
func header(mime, name string) string {
	unfolded := unfold(mime)
	want := strings.ToLower(name)
	for _, m := range headerRe.FindAllStringSubmatch(unfolded, -1) {
		if strings.ToLower(m[1]) == want {
			return strings.TrimSpace(m[2])
		}
	}
	return ""
}

// unfold joins RFC 5322 folded header continuation lines (a line starting
// with a space or tab) into their parent line, stopping at the first blank
// line (the header/body boundary), so the header regex only ever sees one
// logical line per header.
func unfold(mime string) string {
	nl := strings.ReplaceAll(mime, "\r\n", "\n")
	headerBlock := nl
	if idx := strings.Index(nl, "\n\n"); idx >= 0 {
		headerBlock = nl[:idx]
	}

	lines := strings.Split(headerBlock, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if len(out) > 0 && len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
			out[len(out)-1] += " " + strings.TrimLeft(line, " \t")
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
