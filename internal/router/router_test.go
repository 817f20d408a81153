package router

import (
	"encoding/hex"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/lispmeister/quince/internal/address"
	"github.com/lispmeister/quince/internal/config"
	"github.com/lispmeister/quince/internal/identity"
	"github.com/lispmeister/quince/internal/inbox"
	"github.com/lispmeister/quince/internal/packet"
	"github.com/lispmeister/quince/internal/queue"
	"github.com/lispmeister/quince/internal/quincetest"
	"github.com/lispmeister/quince/internal/session"
	"github.com/lispmeister/quince/internal/set"
)

// stubCoordinator never claims a message for file-transfer hold-back, so
// every inbound message is stored directly by the router.
type stubCoordinator struct{}

func (stubCoordinator) HandleIncomingMessage(string, string, string, string, bool) bool { return false }
func (stubCoordinator) HandleFileRequest(string, packet.FileRequest)                    {}
func (stubCoordinator) HandleFileOffer(string, packet.FileOffer)                        {}
func (stubCoordinator) HandleFileComplete(string, packet.FileComplete)                  {}
func (stubCoordinator) Start()                                                          {}
func (stubCoordinator) Stop()                                                           {}

// peer bundles one simulated daemon's components for router tests.
type peer struct {
	id       identity.Identity
	cfg      *config.Config
	sessions *session.Manager
	queue    *queue.Queue
	inbox    *inbox.Store
	core     *Core
}

func newPeer(t *testing.T, username string, peers map[string]string) *peer {
	t.Helper()
	tid := quincetest.MustIdentity(t)
	id := identity.Identity{PublicKey: tid.Public, SecretKey: tid.Secret}

	dir := quincetest.MustTempDir(t)
	t.Cleanup(func() { quincetest.RemoveIfOk(t, dir) })

	q, err := queue.New(filepath.Join(dir, "queue"))
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	ib, err := inbox.Open(filepath.Join(dir, "inbox"))
	if err != nil {
		t.Fatalf("inbox.Open: %v", err)
	}

	cfg := &config.Config{
		Username:           username,
		ACKTimeoutSeconds:  2,
		Peers:              peers,
		TrustIntroductions: map[string]bool{},
	}

	sessions := session.NewManager(id.PublicHex(), nil)

	core, err := New(cfg, id, sessions, q, ib, stubCoordinator{}, filepath.Join(dir, "introductions.json"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	core.Start()
	t.Cleanup(core.Shutdown)

	return &peer{id: id, cfg: cfg, sessions: sessions, queue: q, inbox: ib, core: core}
}

func (p *peer) selfAddress() string {
	return address.Format(p.cfg.Username, p.id.PublicHex())
}

// connect wires a and b together as if they'd discovered each other over
// the overlay: a loopback TCP connection (real OS buffering, unlike
// net.Pipe, so both sides' unsolicited IDENTIFY writes don't deadlock)
// plus one Handle goroutine per side.
func connect(t *testing.T, a, b *peer) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	var serverSide net.Conn
	select {
	case serverSide = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("Accept never completed")
	}

	go a.sessions.Handle(dialed)
	go b.sessions.Handle(serverSide)

	if !quincetest.WaitFor(func() bool {
		_, ok := a.sessions.Lookup(b.id.PublicHex())
		return ok
	}, 2*time.Second) {
		t.Fatal("a never saw b's session registered")
	}
	if !quincetest.WaitFor(func() bool {
		_, ok := b.sessions.Lookup(a.id.PublicHex())
		return ok
	}, 2*time.Second) {
		t.Fatal("b never saw a's session registered")
	}
}

func TestSubmitDeliversDirectlyWhenConnected(t *testing.T) {
	alice := newPeer(t, "alice", nil)
	bob := newPeer(t, "bob", nil)
	connect(t, alice, bob)

	res, err := alice.core.Submit(alice.selfAddress(), bob.selfAddress(), "Hello, Bob!")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Queued {
		t.Error("Submit queued a message to a connected, whitelisted peer")
	}

	var entries []inbox.Entry
	if !quincetest.WaitFor(func() bool {
		entries = bob.inbox.List()
		return len(entries) == 1
	}, 2*time.Second) {
		t.Fatalf("bob's inbox never received the message, got %d entries", len(entries))
	}

	if !entries[0].SignatureValid {
		t.Error("stored entry has SignatureValid = false for a correctly signed message")
	}
	if entries[0].ID != res.ID {
		t.Errorf("stored entry id = %q, want %q", entries[0].ID, res.ID)
	}
}

func TestSubmitQueuesWhenPeerOffline(t *testing.T) {
	alice := newPeer(t, "alice", nil)
	bobID := quincetest.MustIdentity(t)
	bobAddr := address.Format("bob", hex.EncodeToString(bobID.Public))

	res, err := alice.core.Submit(alice.selfAddress(), bobAddr, "Hi")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.Queued {
		t.Fatal("Submit to an offline peer should queue")
	}
	if alice.queue.Len() != 1 {
		t.Fatalf("queue.Len() = %d, want 1", alice.queue.Len())
	}
}

func TestTriggerRetryForPeerDeliversOnReconnect(t *testing.T) {
	alice := newPeer(t, "alice", nil)
	bob := newPeer(t, "bob", nil)

	// Submit while bob is offline: this must queue.
	res, err := alice.core.Submit(alice.selfAddress(), bob.selfAddress(), "Hi, later")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.Queued {
		t.Fatal("Submit to an offline peer should queue")
	}

	// Now bob comes online: OnConnected should trigger an immediate retry.
	connect(t, alice, bob)

	var entries []inbox.Entry
	if !quincetest.WaitFor(func() bool {
		entries = bob.inbox.List()
		return len(entries) == 1
	}, 3*time.Second) {
		t.Fatalf("bob's inbox never received the retried message, got %d entries", len(entries))
	}
	if !quincetest.WaitFor(func() bool { return alice.queue.Len() == 0 }, 2*time.Second) {
		t.Errorf("alice's queue still has %d envelopes after successful retry", alice.queue.Len())
	}
}

func TestWhitelistRejectionQueuesAtSender(t *testing.T) {
	alice := newPeer(t, "alice", nil)
	bob := newPeer(t, "bob", nil)
	bob.sessions.Whitelist = set.NewString("someone-else-entirely")

	connect(t, alice, bob)

	res, err := alice.core.Submit(alice.selfAddress(), bob.selfAddress(), "Hello?")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.Queued {
		t.Error("a message rejected by the recipient's whitelist must end up queued at the sender")
	}
	if len(bob.inbox.List()) != 0 {
		t.Error("bob's inbox must stay empty when his whitelist rejects the sender")
	}
}

func TestResolveRecipientByAlias(t *testing.T) {
	bobID := quincetest.MustIdentity(t)
	alice := newPeer(t, "alice", map[string]string{"bob": hex.EncodeToString(bobID.Public)})

	pubkey, err := alice.core.resolveRecipient("someone@bob.quincemail.com")
	if err != nil {
		t.Fatalf("resolveRecipient: %v", err)
	}
	if pubkey != hex.EncodeToString(bobID.Public) {
		t.Errorf("resolveRecipient = %q, want %q", pubkey, hex.EncodeToString(bobID.Public))
	}
}

func TestResolveRecipientUnknownAlias(t *testing.T) {
	alice := newPeer(t, "alice", nil)

	_, err := alice.core.resolveRecipient("someone@nobody.quincemail.com")
	if err == nil {
		t.Fatal("expected an error resolving an unconfigured alias")
	}
}

func TestListPeersIncludesAliasAndTrust(t *testing.T) {
	bob := newPeer(t, "bob", nil)
	alice := newPeer(t, "alice", map[string]string{"bob": bob.id.PublicHex()})
	alice.cfg.TrustIntroductions["bob"] = true

	connect(t, alice, bob)

	peers := alice.core.ListPeers()
	if len(peers) != 1 {
		t.Fatalf("ListPeers returned %d peers, want 1", len(peers))
	}
	p := peers[0]
	if p.Pubkey != bob.id.PublicHex() {
		t.Errorf("peer pubkey = %q, want %q", p.Pubkey, bob.id.PublicHex())
	}
	if p.Alias != "bob" {
		t.Errorf("peer alias = %q, want bob", p.Alias)
	}
	if !p.TrustIntroductions {
		t.Error("TrustIntroductions = false for a trusted alias")
	}
	if !p.Whitelisted {
		t.Error("Whitelisted = false with an empty (accept-all) whitelist")
	}
}

func TestSetStatusRejectsUnknownStatus(t *testing.T) {
	alice := newPeer(t, "alice", nil)
	if err := alice.core.SetStatus("not-a-status", ""); err == nil {
		t.Error("SetStatus accepted an invalid status value")
	}
	if err := alice.core.SetStatus(packet.StatusBusy, "in a meeting"); err != nil {
		t.Errorf("SetStatus: %v", err)
	}
}

