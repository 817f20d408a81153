package transfer

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/lispmeister/quince/internal/content"
	"github.com/lispmeister/quince/internal/inbox"
	"github.com/lispmeister/quince/internal/log"
	"github.com/lispmeister/quince/internal/overlay"
	"github.com/lispmeister/quince/internal/packet"
	"github.com/lispmeister/quince/internal/session"
)

// fileTimeout bounds a single file's replication.
const fileTimeout = 60 * time.Second

// pendingTTL is how long an inbound message with unresolved refs is held
// before it is delivered with failure markers.
const pendingTTL = 5 * time.Minute

// sweepEvery is how often the pending-message deadline is checked.
const sweepEvery = 30 * time.Second

// Coordinator drives the file-transfer exchange: on the sending side it
// turns a FILE_REQUEST into a served volume and a FILE_OFFER; on the
// receiving side it turns a FILE_OFFER into replicated files, a rewritten
// message body, and a stored inbox entry. It is the glue between
// internal/content (volumes and replication), internal/session (control
// packets) and internal/inbox (final delivery).
type Coordinator struct {
	content  *content.Store
	repl     *content.Replicator
	sessions *session.Manager
	inbox    *inbox.Store
	records  *Store
	mediaDir string

	// OnTransferComplete and OnTransferFailed, if set, are called after a
	// receive-side transfer resolves, letting cmd/quinced log or notify.
	OnTransferComplete func(Record)
	OnTransferFailed   func(Record)

	mu           sync.Mutex
	pending      map[string]*PendingMessage
	serveHandles map[string]*overlay.Handle // drive key -> held file-swarm join

	stop chan struct{}
}

// NewCoordinator wires a Coordinator atop already-open stores and
// instances. mediaDir is the sender's outgoing-attachment directory;
// received files land under mediaDir/<sender pubkey>/.
func NewCoordinator(cs *content.Store, repl *content.Replicator, sessions *session.Manager, ib *inbox.Store, records *Store, mediaDir string) *Coordinator {
	return &Coordinator{
		content:      cs,
		repl:         repl,
		sessions:     sessions,
		inbox:        ib,
		records:      records,
		mediaDir:     mediaDir,
		pending:      make(map[string]*PendingMessage),
		serveHandles: make(map[string]*overlay.Handle),
		stop:         make(chan struct{}),
	}
}

// Start runs the pending-message sweeper until Stop is called.
func (c *Coordinator) Start() {
	go c.sweepLoop()
}

// Stop ends the sweeper goroutine.
func (c *Coordinator) Stop() {
	close(c.stop)
}

func (c *Coordinator) sweepLoop() {
	t := time.NewTicker(sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.sweepPending()
		case <-c.stop:
			return
		}
	}
}

func (c *Coordinator) sweepPending() {
	now := time.Now()
	var expired []*PendingMessage

	c.mu.Lock()
	for id, pm := range c.pending {
		if now.Sub(pm.ReceivedAt) >= pendingTTL {
			expired = append(expired, pm)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	for _, pm := range expired {
		log.Infof("transfer: %s exceeded its pending deadline, delivering with failure markers", pm.MessageID)
		c.deliverFailed(pm, pm.Refs)
	}
}

// HandleIncomingMessage inspects an inbound MESSAGE's body for quince:/media/
// references. If it finds none, handled is false and the caller (the
// router) should deliver the message immediately as usual. Otherwise the
// message is stashed as pending and a FILE_REQUEST goes out; the caller
// should still ACK the MESSAGE but must not store it yet.
func (c *Coordinator) HandleIncomingMessage(senderPubkey, senderAlias, messageID, mime string, signatureValid bool) (handled bool) {
	_, body, ok := bodySplit(mime)
	if !ok {
		return false
	}
	refs := ParseRefs(body)
	if len(refs) == 0 {
		return false
	}

	pm := &PendingMessage{
		MessageID:      messageID,
		Mime:           mime,
		SenderPubkey:   senderPubkey,
		SenderAlias:    senderAlias,
		SignatureValid: signatureValid,
		Refs:           refs,
		ReceivedAt:     time.Now(),
	}

	c.mu.Lock()
	c.pending[messageID] = pm
	c.mu.Unlock()

	files := make([]packet.FileRef, len(refs))
	for i, name := range refs {
		files[i] = packet.FileRef{Name: name}
	}
	if err := c.sessions.SendFileRequest(senderPubkey, packet.FileRequest{MessageID: messageID, Files: files}); err != nil {
		log.Errorf("transfer: sending FILE_REQUEST for %s: %v", messageID, err)
	}
	return true
}

// HandleFileRequest is the sender side of the exchange: read the
// requested files from the media directory, store them into a volume
// keyed by the requesting peer, join the file-swarm in server mode, and
// reply with a FILE_OFFER.
func (c *Coordinator) HandleFileRequest(peerPubkey string, p packet.FileRequest) {
	vol, err := c.content.OutboundVolume(peerPubkey)
	if err != nil {
		log.Errorf("transfer: opening outbound volume for %s: %v", peerPubkey, err)
		return
	}

	ctx := context.Background()
	var files []FileInfo
	for _, f := range p.Files {
		raw, err := os.ReadFile(filepath.Join(c.mediaDir, f.Name))
		if err != nil {
			log.Debugf("transfer: %s requested but not found in media dir: %v", f.Name, err)
			continue
		}

		path := "/" + p.MessageID + "/" + f.Name
		if _, err := vol.Put(ctx, path, raw); err != nil {
			log.Errorf("transfer: storing %s: %v", f.Name, err)
			continue
		}

		sum := blake2b.Sum256(raw)
		files = append(files, FileInfo{
			Name: f.Name,
			Path: path,
			Size: int64(len(raw)),
			Hash: hex.EncodeToString(sum[:]),
		})
	}

	if len(files) == 0 {
		log.Errorf("transfer: none of the requested files for %s were available, no FILE_OFFER sent", p.MessageID)
		return
	}

	topic, err := content.DiscoveryKeyOf(vol.DriveKey())
	if err != nil {
		log.Errorf("transfer: discovery key for %s: %v", vol.DriveKey(), err)
		return
	}
	handle, err := c.repl.JoinServer(topic)
	if err != nil {
		log.Errorf("transfer: joining file-swarm as server: %v", err)
		return
	}
	c.repl.Serve(vol)

	c.mu.Lock()
	c.serveHandles[vol.DriveKey()] = handle
	c.mu.Unlock()

	offered := make([]packet.OfferedFile, len(files))
	for i, f := range files {
		offered[i] = packet.OfferedFile{Name: f.Name, Path: f.Path, Size: f.Size, Hash: f.Hash}
	}
	if err := c.sessions.SendFileOffer(peerPubkey, packet.FileOffer{
		MessageID: p.MessageID,
		DriveKey:  vol.DriveKey(),
		Files:     offered,
	}); err != nil {
		log.Errorf("transfer: sending FILE_OFFER for %s: %v", p.MessageID, err)
	}

	rec := &Record{
		ID:         NewID(),
		MessageID:  p.MessageID,
		PeerPubkey: peerPubkey,
		Direction:  DirectionSend,
		DriveKey:   vol.DriveKey(),
		Files:      files,
		State:      StateTransferring,
	}
	if err := c.records.Put(rec); err != nil {
		log.Errorf("transfer: persisting send record %s: %v", rec.ID, err)
	}
}

// HandleFileOffer is the receiver side of the exchange: open the
// announced drive as an inbound (read-only) volume and replicate every
// file, one at a time.
func (c *Coordinator) HandleFileOffer(peerPubkey string, p packet.FileOffer) {
	c.mu.Lock()
	pm, ok := c.pending[p.MessageID]
	c.mu.Unlock()
	if !ok {
		log.Debugf("transfer: FILE_OFFER for unknown or expired message %s", p.MessageID)
		return
	}

	vol, err := c.content.InboundVolume(p.DriveKey)
	if err != nil {
		log.Errorf("transfer: opening inbound volume %s: %v", p.DriveKey, err)
		return
	}

	files := make([]FileInfo, len(p.Files))
	for i, f := range p.Files {
		files[i] = FileInfo{Name: f.Name, Path: f.Path, Size: f.Size, Hash: f.Hash}
	}

	rec := &Record{
		ID:         NewID(),
		MessageID:  p.MessageID,
		PeerPubkey: peerPubkey,
		Direction:  DirectionReceive,
		DriveKey:   p.DriveKey,
		Files:      files,
		State:      StateTransferring,
	}
	if err := c.records.Put(rec); err != nil {
		log.Errorf("transfer: persisting receive record %s: %v", rec.ID, err)
	}

	go c.receiveFiles(pm, peerPubkey, vol, rec, files)
}

// receiveFiles fetches every file in turn, builds the body-rewrite
// replacements, stores the result to the inbox, and reports back to the
// sender.
func (c *Coordinator) receiveFiles(pm *PendingMessage, peerPubkey string, vol *content.Volume, rec *Record, files []FileInfo) {
	destDir := filepath.Join(c.mediaDir, peerPubkey)
	if err := os.MkdirAll(destDir, 0700); err != nil {
		log.Errorf("transfer: creating %s: %v", destDir, err)
	}

	replacements := make(map[string]string, len(files))
	anyFailed := false

	for _, f := range files {
		marker, err := c.receiveOne(vol, rec.DriveKey, destDir, f)
		if err != nil {
			log.Errorf("transfer: %s/%s: %v", rec.MessageID, f.Name, err)
			anyFailed = true
		}
		replacements[f.Name] = marker
	}

	c.mu.Lock()
	delete(c.pending, pm.MessageID)
	c.mu.Unlock()

	mime := rewriteBody(pm.Mime, replacements)
	if _, err := c.inbox.Store(pm.MessageID, mime, pm.SenderPubkey, pm.SignatureValid); err != nil {
		log.Errorf("transfer: storing %s: %v", pm.MessageID, err)
	}

	rec.State = StateComplete
	if anyFailed {
		rec.State = StateFailed
	}
	if err := c.records.Put(rec); err != nil {
		log.Errorf("transfer: updating record %s: %v", rec.ID, err)
	}

	if !anyFailed {
		if err := c.sessions.SendFileComplete(peerPubkey, packet.FileComplete{MessageID: pm.MessageID}); err != nil {
			log.Errorf("transfer: sending FILE_COMPLETE for %s: %v", pm.MessageID, err)
		}
	}

	if anyFailed && c.OnTransferFailed != nil {
		c.OnTransferFailed(*rec)
	}
	if !anyFailed && c.OnTransferComplete != nil {
		c.OnTransferComplete(*rec)
	}
}

// receiveOne replicates a single file and writes it under destDir,
// returning the body-rewrite marker for it (success or failure).
func (c *Coordinator) receiveOne(vol *content.Volume, driveKey, destDir string, f FileInfo) (string, error) {
	failMarker := fmt.Sprintf("[%s — transfer failed]", f.Name)

	ctx, cancel := context.WithTimeout(context.Background(), fileTimeout)
	err := c.repl.Fetch(ctx, vol, driveKey, f.Path)
	cancel()
	if err != nil {
		return failMarker, fmt.Errorf("fetch: %w", err)
	}

	data, ok, err := vol.Get(context.Background(), f.Path)
	if err != nil {
		return failMarker, fmt.Errorf("get: %w", err)
	}
	if !ok {
		return failMarker, fmt.Errorf("fetch reported success but path is missing")
	}

	sum := blake2b.Sum256(data)
	if hex.EncodeToString(sum[:]) != f.Hash {
		return failMarker, fmt.Errorf("hash mismatch: got %s, want %s", hex.EncodeToString(sum[:]), f.Hash)
	}

	localName := dedupeName(destDir, f.Name)
	localPath := filepath.Join(destDir, localName)
	if err := os.WriteFile(localPath, data, 0600); err != nil {
		return failMarker, fmt.Errorf("write: %w", err)
	}

	abs, err := filepath.Abs(localPath)
	if err != nil {
		abs = localPath
	}
	return fmt.Sprintf("[%s — %s] → %s", localName, humanSize(int64(len(data))), abs), nil
}

// HandleFileComplete frees the served blocks for this transfer, and if
// no other active transfer still references the same volume, stops
// serving it and closes it.
func (c *Coordinator) HandleFileComplete(peerPubkey string, p packet.FileComplete) {
	var rec *Record
	for _, r := range c.records.List() {
		if r.MessageID == p.MessageID && r.PeerPubkey == peerPubkey && r.Direction == DirectionSend {
			rec = r
			break
		}
	}
	if rec == nil {
		log.Debugf("transfer: FILE_COMPLETE for unknown send record %s/%s", p.MessageID, peerPubkey)
		return
	}

	vol, err := c.content.OutboundVolume(peerPubkey)
	if err != nil {
		log.Errorf("transfer: reopening outbound volume for %s: %v", peerPubkey, err)
		return
	}

	ctx := context.Background()
	for _, f := range rec.Files {
		if err := vol.Clear(ctx, f.Path); err != nil {
			log.Errorf("transfer: clearing %s: %v", f.Path, err)
		}
	}

	rec.State = StateComplete
	if err := c.records.Put(rec); err != nil {
		log.Errorf("transfer: updating record %s: %v", rec.ID, err)
	}

	if len(c.records.ActiveForDrive(rec.DriveKey)) > 0 {
		return
	}

	c.mu.Lock()
	handle, ok := c.serveHandles[rec.DriveKey]
	delete(c.serveHandles, rec.DriveKey)
	c.mu.Unlock()

	if ok {
		handle.Leave()
	}
	c.repl.Unserve(rec.DriveKey)
	if err := vol.Close(); err != nil {
		log.Errorf("transfer: closing volume %s: %v", rec.DriveKey, err)
	}
}

// deliverFailed delivers a pending message whose refs never resolved
// (the FILE_OFFER never arrived before pendingTTL elapsed).
func (c *Coordinator) deliverFailed(pm *PendingMessage, refs []string) {
	replacements := make(map[string]string, len(refs))
	for _, name := range refs {
		replacements[name] = fmt.Sprintf("[%s — transfer failed]", name)
	}
	mime := rewriteBody(pm.Mime, replacements)
	if _, err := c.inbox.Store(pm.MessageID, mime, pm.SenderPubkey, pm.SignatureValid); err != nil {
		log.Errorf("transfer: storing timed-out %s: %v", pm.MessageID, err)
	}
}

// rewriteBody replaces every quince:/media/<name> reference named in
// replacements with its marker text, leaving the rest of the body intact.
func rewriteBody(mime string, replacements map[string]string) string {
	headers, body, ok := bodySplit(mime)
	if !ok {
		return mime
	}
	for name, marker := range replacements {
		body = strings.ReplaceAll(body, refURI(name), marker)
	}
	return headers + "\r\n\r\n" + body
}
