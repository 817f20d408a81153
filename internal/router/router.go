// Package router implements quince's top-level message router and daemon
// core: it wires submission (from the local SMTP/HTTP surface) through
// recipient resolution, signing, transport delivery and queueing on
// failure; and wires inbound MESSAGE packets through verification,
// whitelist gating (already enforced a layer down, in internal/session),
// file-transfer hold-back, and inbox storage.
//
// Every component is built and wired explicitly, with one lifecycle
// (New → Start → Shutdown) and no ambient singletons. Core holds sessions
// only by pubkey key, never an object reference, so there is no
// session<->router reference cycle.
package router

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/lispmeister/quince/internal/address"
	"github.com/lispmeister/quince/internal/config"
	"github.com/lispmeister/quince/internal/directory"
	"github.com/lispmeister/quince/internal/identity"
	"github.com/lispmeister/quince/internal/inbox"
	"github.com/lispmeister/quince/internal/log"
	"github.com/lispmeister/quince/internal/packet"
	"github.com/lispmeister/quince/internal/qerr"
	"github.com/lispmeister/quince/internal/queue"
	"github.com/lispmeister/quince/internal/session"
	"github.com/lispmeister/quince/internal/set"
	"github.com/lispmeister/quince/internal/signing"
	"github.com/lispmeister/quince/internal/trace"
	"github.com/lispmeister/quince/internal/transfer"
)

// Coordinator is the subset of *transfer.Coordinator the router drives.
// Expressed as an interface so router tests can substitute a stub instead
// of standing up a real content store and overlay.
type Coordinator interface {
	HandleIncomingMessage(senderPubkey, senderAlias, messageID, mime string, signatureValid bool) bool
	HandleFileRequest(peerPubkey string, p packet.FileRequest)
	HandleFileOffer(peerPubkey string, p packet.FileOffer)
	HandleFileComplete(peerPubkey string, p packet.FileComplete)
	Start()
	Stop()
}

var _ Coordinator = (*transfer.Coordinator)(nil)

// SendResult is the outcome of a submission: the minted message id, and
// whether the message went to the retry queue instead of straight out.
type SendResult struct {
	ID     string
	Queued bool
}

// Core is the assembled daemon: identity, sessions, queue, inbox and the
// file-transfer coordinator, wired together with one explicit lifecycle.
type Core struct {
	Directory directory.Client // optional; nil means alias-only resolution

	cfg         *config.Config
	id          identity.Identity
	sessions    *session.Manager
	queue       *queue.Queue
	inbox       *inbox.Store
	coordinator Coordinator
	intros      *introductionStore

	mu            sync.Mutex
	peers         map[string]string // alias -> pubkey, seeded from cfg, grown by trusted introductions
	whitelist     *set.String
	status        packet.Status
	statusMessage string
}

// New assembles a Core from already-open components. Callers (cmd/quinced,
// or tests) are responsible for opening the queue/inbox/coordinator and
// passing them in; Core does not own their lifecycle beyond Start/Shutdown.
func New(cfg *config.Config, id identity.Identity, sessions *session.Manager, q *queue.Queue, ib *inbox.Store, coord Coordinator, introductionsPath string) (*Core, error) {
	intros, err := openIntroductionStore(introductionsPath)
	if err != nil {
		return nil, err
	}

	peers := make(map[string]string, len(cfg.Peers))
	for alias, pubkey := range cfg.Peers {
		peers[alias] = pubkey
	}

	return &Core{
		cfg:         cfg,
		id:          id,
		sessions:    sessions,
		queue:       q,
		inbox:       ib,
		coordinator: coord,
		intros:      intros,
		peers:       peers,
		whitelist:   set.NewString(cfg.Whitelist...),
		status:      packet.StatusAvailable,
	}, nil
}

// Start wires every component's callbacks together and begins background
// work: it hooks the queue's OnDue/OnExpired, arms the queue's retry timer
// via queue.Start, attaches session callbacks, and starts the
// file-transfer sweeper.
func (c *Core) Start() {
	c.queue.OnDue = c.retryEnvelope
	c.queue.OnExpired = func(env queue.Envelope) {
		log.Infof("router: envelope %s to %s expired after max retries", env.ID, env.To)
	}
	c.queue.Start()

	c.sessions.Callbacks.OnConnected = func(pubkey string) {
		log.Infof("router: peer %s connected", pubkey)
		// OnConnected runs on the session's read goroutine, and each retry
		// waits for an ACK that only that goroutine can read.
		go c.queue.TriggerRetryForPeer(pubkey)
	}
	c.sessions.Callbacks.OnDisconnected = func(pubkey string) {
		log.Infof("router: peer %s disconnected", pubkey)
	}
	c.sessions.Callbacks.OnRejected = func(pubkey string) {
		log.Infof("router: rejected packet from non-whitelisted peer %s", pubkey)
	}
	c.sessions.Callbacks.OnMessage = c.handleIncomingMessage
	c.sessions.Callbacks.OnIntroduction = c.handleIntroduction
	c.sessions.Callbacks.OnFileRequest = func(pubkey string, p packet.FileRequest) {
		c.coordinator.HandleFileRequest(pubkey, p)
	}
	c.sessions.Callbacks.OnFileOffer = func(pubkey string, p packet.FileOffer) {
		c.coordinator.HandleFileOffer(pubkey, p)
	}
	c.sessions.Callbacks.OnFileComplete = func(pubkey string, p packet.FileComplete) {
		c.coordinator.HandleFileComplete(pubkey, p)
	}
	c.sessions.Status = func() (packet.Status, string) {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.status, c.statusMessage
	}

	c.coordinator.Start()
}

// Shutdown stops background work. It does not try to drain pending
// messages or in-flight file transfers: those are lost on restart and
// senders must tolerate a re-send.
func (c *Core) Shutdown() {
	c.coordinator.Stop()
}

// Submit accepts a locally composed message from the SMTP surface: no
// subject, no extra headers.
func (c *Core) Submit(from, to, body string) (SendResult, error) {
	return c.send(from, to, "", nil, body)
}

// Send accepts a message from the HTTP surface. The From address is
// always this identity's own pubkey address: Quince has no notion of
// sending on behalf of another local identity.
func (c *Core) Send(to, subject, body string, headers map[string]string) (SendResult, error) {
	from := address.Format(c.cfg.Username, c.id.PublicHex())
	return c.send(from, to, subject, headers, body)
}

// send runs the submission pipeline: resolve, sign, try direct delivery,
// queue on failure.
func (c *Core) send(from, to, subject string, headers map[string]string, body string) (SendResult, error) {
	tr := trace.New("router", "Submit")
	defer tr.Finish()

	pubkey, err := c.resolveRecipient(to)
	if err != nil {
		tr.Errorf("resolving %s: %v", to, err)
		return SendResult{}, err
	}

	// With a locally configured whitelist, unknown recipients fail early
	// (no queueing at all).
	if c.whitelist.Len() > 0 && !c.whitelist.Has(pubkey) {
		err := qerr.New(qerr.UnknownPeer, fmt.Errorf("recipient %s (%s) is not on the local whitelist", to, pubkey))
		tr.Errorf("%v", err)
		return SendResult{}, err
	}

	id := newID()
	mime := buildMime(from, to, subject, headers, body, id)
	signed := signing.Sign(mime, c.id.SecretKey)
	mimeB64 := base64.StdEncoding.EncodeToString([]byte(signed))

	env := queue.Envelope{
		ID:              id,
		From:            from,
		To:              to,
		RecipientPubkey: pubkey,
		MimeB64:         mimeB64,
	}

	sendErr := c.sessions.SendMessage(pubkey, id, mimeB64, c.cfg.ACKTimeout())
	if sendErr == nil {
		tr.Printf("delivered %s directly to %s", id, pubkey)
		return SendResult{ID: id, Queued: false}, nil
	}
	tr.Debugf("direct delivery of %s to %s failed, queueing: %v", id, pubkey, sendErr)

	if err := c.queue.Add(env); err != nil {
		tr.Errorf("queueing %s: %v", id, err)
		return SendResult{}, qerr.New(qerr.PeerUnreachable, err)
	}
	return SendResult{ID: id, Queued: true}, nil
}

// retryEnvelope is the queue's OnDue callback: retry transport delivery
// for one due envelope, removing it on success or pushing its backoff out
// on failure.
func (c *Core) retryEnvelope(env queue.Envelope) {
	if err := c.sessions.SendMessage(env.RecipientPubkey, env.ID, env.MimeB64, c.cfg.ACKTimeout()); err != nil {
		log.Debugf("router: retry of %s to %s failed: %v", env.ID, env.RecipientPubkey, err)
		c.queue.MarkRetry(env.ID)
		return
	}
	log.Infof("router: envelope %s delivered to %s on retry", env.ID, env.RecipientPubkey)
	c.queue.Remove(env.ID)
}

// handleIncomingMessage is the session layer's OnMessage callback:
// verify, hand to the file-transfer coordinator if the body references
// files, else store immediately, then always ACK.
func (c *Core) handleIncomingMessage(senderPubkey, id, mimeB64 string) {
	tr := trace.New("router", "inbound")
	defer tr.Finish()

	pk, err := decodePubkey(senderPubkey)
	if err != nil {
		tr.Errorf("malformed sender pubkey %s: %v", senderPubkey, err)
		return
	}

	mimeBuf, err := base64.StdEncoding.DecodeString(mimeB64)
	if err != nil {
		tr.Errorf("message %s from %s has undecodable mime: %v", id, senderPubkey, err)
		return
	}

	cleanMime, valid := signing.Verify(string(mimeBuf), pk)
	if !valid {
		tr.Debugf("signature invalid for %s from %s", id, senderPubkey)
	}

	senderAlias, _ := c.aliasForPubkey(senderPubkey)

	if !c.coordinator.HandleIncomingMessage(senderPubkey, senderAlias, id, cleanMime, valid) {
		if _, err := c.inbox.Store(id, cleanMime, senderPubkey, valid); err != nil {
			tr.Errorf("storing %s: %v", id, err)
		}
	}

	if err := c.sessions.SendAck(senderPubkey, id); err != nil {
		tr.Errorf("acking %s to %s: %v", id, senderPubkey, err)
	}
}

// handleIntroduction is the session layer's OnIntroduction callback:
// verify the detached signature over the introduced peer's canonicalized
// identity, record it in introductions.json, and, only if the
// introducer's alias is marked trusted in config.trustIntroductions, add
// the introduced alias to the local peer map.
func (c *Core) handleIntroduction(introducerPubkey string, p packet.Introduction) {
	pk, err := decodePubkey(introducerPubkey)
	if err != nil {
		log.Errorf("router: malformed introducer pubkey %s: %v", introducerPubkey, err)
		return
	}

	introduced := signing.Introduced{
		Pubkey:       p.Introduced.Pubkey,
		Alias:        p.Introduced.Alias,
		Capabilities: p.Introduced.Capabilities,
		Message:      p.Introduced.Message,
	}
	if !signing.VerifyIntroduction(introduced, p.Signature, pk) {
		log.Errorf("router: introduction from %s failed signature verification", introducerPubkey)
		return
	}

	trusted := false
	if p.Introduced.Alias != "" {
		if alias, ok := c.aliasForPubkey(introducerPubkey); ok && c.cfg.TrustIntroductions[alias] {
			c.mu.Lock()
			c.peers[p.Introduced.Alias] = p.Introduced.Pubkey
			c.mu.Unlock()
			trusted = true
		}
	}

	rec := IntroductionRecord{
		From:    introducerPubkey,
		Pubkey:  p.Introduced.Pubkey,
		Alias:   p.Introduced.Alias,
		Message: p.Introduced.Message,
		Trusted: trusted,
	}
	if err := c.intros.add(rec); err != nil {
		log.Errorf("router: persisting introduction: %v", err)
	}
}

// resolveRecipient parses the address, resolves a 64-hex subdomain
// directly as a pubkey, else looks up the subdomain as a local alias,
// else (if configured) consults the directory service.
func (c *Core) resolveRecipient(to string) (string, error) {
	addr, ok := address.Parse(to)
	if !ok {
		return "", qerr.New(qerr.InvalidAddress, fmt.Errorf("cannot parse address %q", to))
	}
	if addr.HasPubkey() {
		return addr.Pubkey, nil
	}

	c.mu.Lock()
	pubkey, known := c.peers[addr.Alias]
	c.mu.Unlock()
	if known {
		return pubkey, nil
	}

	if c.Directory != nil {
		ctx, cancel := context.WithTimeout(context.Background(), directory.DefaultTimeout)
		defer cancel()
		res, found, err := c.Directory.Lookup(ctx, addr.Alias)
		if err != nil {
			log.Debugf("router: directory lookup of %q failed: %v", addr.Alias, err)
		} else if found {
			return res.Pubkey, nil
		}
	}

	return "", qerr.New(qerr.UnknownPeer, fmt.Errorf("no known peer for alias %q", addr.Alias))
}

// aliasForPubkey reverse-looks-up pubkey in the local peer map.
func (c *Core) aliasForPubkey(pubkey string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for alias, pk := range c.peers {
		if pk == pubkey {
			return alias, true
		}
	}
	return "", false
}

// SetStatus updates the broadcast status: pushed to every currently
// connected peer, and sent to any peer that identifies afterward.
func (c *Core) SetStatus(status packet.Status, message string) error {
	switch status {
	case packet.StatusAvailable, packet.StatusBusy, packet.StatusAway:
	default:
		return fmt.Errorf("router: invalid status %q", status)
	}
	c.mu.Lock()
	c.status = status
	c.statusMessage = message
	c.mu.Unlock()

	c.sessions.Broadcast(packet.StatusPacket{
		Type:    packet.TypeStatus,
		Status:  status,
		Message: message,
	})
	return nil
}

// PeerDetail is one connected peer as reported by ListPeers: the session
// snapshot plus this daemon's local knowledge of the peer (alias,
// whitelist membership, introduction trust).
type PeerDetail struct {
	session.PeerInfo
	Alias              string
	Whitelisted        bool
	TrustIntroductions bool
}

// ListPeers returns capabilities, status, liveness timestamps and local
// trust flags per connected peer, sorted by pubkey for stable output.
func (c *Core) ListPeers() []PeerDetail {
	peers := c.sessions.ListPeers()
	sort.Slice(peers, func(i, j int) bool { return peers[i].Pubkey < peers[j].Pubkey })

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PeerDetail, 0, len(peers))
	for _, p := range peers {
		d := PeerDetail{PeerInfo: p}
		for alias, pk := range c.peers {
			if pk == p.Pubkey {
				d.Alias = alias
				d.TrustIntroductions = c.cfg.TrustIntroductions[alias]
				break
			}
		}
		d.Whitelisted = c.whitelist.Len() == 0 || c.whitelist.Has(p.Pubkey)
		out = append(out, d)
	}
	return out
}

// ListMessages, GetMessage and DeleteMessage are the read surface for
// the local POP3/HTTP collaborators, directly atop internal/inbox.
func (c *Core) ListMessages() []inbox.Entry { return c.inbox.List() }

func (c *Core) GetMessage(id string) (inbox.Entry, bool) { return c.inbox.Get(id) }

func (c *Core) ReadMessage(e inbox.Entry) (string, error) { return c.inbox.ReadContent(e) }

func (c *Core) DeleteMessage(id string) error {
	e, ok := c.inbox.Get(id)
	if !ok {
		return fmt.Errorf("router: no message %q", id)
	}
	return c.inbox.Delete(e)
}

// buildMime constructs the canonical MIME: From, To, any supplied
// headers, a Message-ID, then the body, all CRLF-terminated so
// internal/signing's header/body split applies.
func buildMime(from, to, subject string, headers map[string]string, body, id string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	if subject != "" {
		fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\r\n", k, headers[k])
	}

	fmt.Fprintf(&b, "Message-ID: <%s@quincemail.com>\r\n", id)
	b.WriteString("\r\n")
	b.WriteString(body)
	return b.String()
}

func decodePubkey(hexStr string) (ed25519.PublicKey, error) {
	buf, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, err
	}
	if len(buf) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("expected %d bytes, got %d", ed25519.PublicKeySize, len(buf))
	}
	return ed25519.PublicKey(buf), nil
}
