package session

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/lispmeister/quince/internal/packet"
	"github.com/lispmeister/quince/internal/set"
)

const testPubkey = "aa000000000000000000000000000000000000000000000000000000000000aa"

// harness wraps the "remote peer" side of a net.Pipe connection, letting
// tests read the packets Handle wrote and write packets for it to read.
type harness struct {
	t       *testing.T
	conn    net.Conn
	scanner *bufio.Scanner
}

func newHarness(t *testing.T) (*harness, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	h := &harness{t: t, conn: client, scanner: packet.NewScanner(client)}
	return h, server
}

func (h *harness) readPacket() interface{} {
	h.t.Helper()
	if !h.scanner.Scan() {
		h.t.Fatalf("scanner stopped: %v", h.scanner.Err())
	}
	p, err := packet.Parse(h.scanner.Bytes())
	if err != nil {
		h.t.Fatalf("Parse: %v", err)
	}
	return p
}

func (h *harness) send(p interface{}) {
	h.t.Helper()
	buf, err := packet.Encode(p)
	if err != nil {
		h.t.Fatalf("Encode: %v", err)
	}
	if _, err := h.conn.Write(buf); err != nil {
		h.t.Fatalf("Write: %v", err)
	}
}

func (h *harness) identify(pubkey string) {
	h.send(packet.Identify{Type: packet.TypeIdentify, PublicKey: pubkey})
}

func TestHandleSendsIdentifyFirst(t *testing.T) {
	m := NewManager("self-pubkey", nil)
	h, serverSide := newHarness(t)
	defer h.conn.Close()

	go m.Handle(serverSide)

	p := h.readPacket()
	id, ok := p.(packet.Identify)
	if !ok {
		t.Fatalf("first packet was %T, want Identify", p)
	}
	if id.PublicKey != "self-pubkey" {
		t.Errorf("IDENTIFY publicKey = %q, want self-pubkey", id.PublicKey)
	}
}

func TestIdentifyRegistersSession(t *testing.T) {
	connected := make(chan string, 1)
	m := NewManager("self-pubkey", nil)
	m.Callbacks.OnConnected = func(pubkey string) { connected <- pubkey }

	h, serverSide := newHarness(t)
	defer h.conn.Close()
	go m.Handle(serverSide)

	h.readPacket() // our IDENTIFY
	h.identify(testPubkey)

	select {
	case pk := <-connected:
		if pk != testPubkey {
			t.Errorf("OnConnected pubkey = %q, want %q", pk, testPubkey)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnected was not called")
	}

	if _, ok := m.Lookup(testPubkey); !ok {
		t.Error("Lookup did not find the registered session")
	}
}

func TestMalformedIdentifyClosesConnection(t *testing.T) {
	m := NewManager("self-pubkey", nil)
	h, serverSide := newHarness(t)
	defer h.conn.Close()
	go m.Handle(serverSide)

	h.readPacket() // our IDENTIFY
	h.send(packet.Identify{Type: packet.TypeIdentify, PublicKey: "not-hex"})

	// The connection should be closed; further writes from our side will
	// eventually fail since the server end is gone. We can't directly
	// observe Close() on a net.Pipe without reading, so confirm no session
	// was registered instead.
	time.Sleep(50 * time.Millisecond)
	if _, ok := m.Lookup("not-hex"); ok {
		t.Error("a malformed pubkey must not be registered")
	}
}

func TestPacketsBeforeIdentifyAreDropped(t *testing.T) {
	var gotMessage bool
	connected := make(chan string, 1)
	m := NewManager("self-pubkey", nil)
	m.Callbacks.OnMessage = func(pubkey, id, mime string) { gotMessage = true }
	m.Callbacks.OnConnected = func(pubkey string) { connected <- pubkey }

	h, serverSide := newHarness(t)
	defer h.conn.Close()
	go m.Handle(serverSide)

	h.readPacket() // our IDENTIFY

	// Out-of-order packets before the handshake: dropped, but the
	// connection must stay open and keep waiting for IDENTIFY.
	h.send(packet.Message{Type: packet.TypeMessage, ID: "1", From: testPubkey, Mime: "early"})
	h.send(packet.StatusPacket{Type: packet.TypeStatus, Status: packet.StatusBusy})

	h.identify(testPubkey)
	select {
	case pk := <-connected:
		if pk != testPubkey {
			t.Errorf("OnConnected pubkey = %q, want %q", pk, testPubkey)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session was not registered after a late IDENTIFY")
	}

	if gotMessage {
		t.Error("OnMessage fired for a packet received before IDENTIFY")
	}
	if _, ok := m.Lookup(testPubkey); !ok {
		t.Error("Lookup did not find the session after the late IDENTIFY")
	}
}

func TestWhitelistGatesMessage(t *testing.T) {
	var gotMessage, gotRejected bool
	m := NewManager("self-pubkey", nil)
	m.Whitelist = set.NewString("someone-else")
	m.Callbacks.OnMessage = func(pubkey, id, mime string) { gotMessage = true }
	m.Callbacks.OnRejected = func(pubkey string) { gotRejected = true }

	h, serverSide := newHarness(t)
	defer h.conn.Close()
	go m.Handle(serverSide)

	h.readPacket() // IDENTIFY from us
	h.identify(testPubkey)
	h.send(packet.Message{Type: packet.TypeMessage, ID: "1", From: testPubkey, Mime: "hi"})

	time.Sleep(50 * time.Millisecond)
	if gotMessage {
		t.Error("OnMessage fired for a non-whitelisted peer")
	}
	if !gotRejected {
		t.Error("OnRejected did not fire for a non-whitelisted peer")
	}
}

func TestSendMessageWaitsForAck(t *testing.T) {
	m := NewManager("self-pubkey", nil)
	m.ACKTimeout = time.Second

	h, serverSide := newHarness(t)
	defer h.conn.Close()
	go m.Handle(serverSide)

	h.readPacket() // IDENTIFY from us
	h.identify(testPubkey)
	time.Sleep(20 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		done <- m.SendMessage(testPubkey, "msg-1", "hello", time.Second)
	}()

	sent := h.readPacket()
	msg, ok := sent.(packet.Message)
	if !ok || msg.ID != "msg-1" {
		t.Fatalf("expected Message msg-1, got %+v", sent)
	}
	h.send(packet.Ack{Type: packet.TypeAck, ID: "msg-1"})

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("SendMessage: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendMessage never returned")
	}
}

func TestBroadcastReachesConnectedPeers(t *testing.T) {
	m := NewManager("self-pubkey", nil)

	h, serverSide := newHarness(t)
	defer h.conn.Close()
	go m.Handle(serverSide)

	h.readPacket() // IDENTIFY from us
	h.identify(testPubkey)
	time.Sleep(20 * time.Millisecond)

	// net.Pipe writes block until the other end reads, so Broadcast runs
	// in its own goroutine while this one plays the remote peer.
	go m.Broadcast(packet.StatusPacket{Type: packet.TypeStatus, Status: packet.StatusBusy, Message: "afk"})

	p := h.readPacket()
	st, ok := p.(packet.StatusPacket)
	if !ok || st.Status != packet.StatusBusy || st.Message != "afk" {
		t.Fatalf("expected the broadcast STATUS, got %+v", p)
	}
}

func TestSendMessageTimesOutWithoutAck(t *testing.T) {
	m := NewManager("self-pubkey", nil)
	m.ACKTimeout = 50 * time.Millisecond

	h, serverSide := newHarness(t)
	defer h.conn.Close()
	go m.Handle(serverSide)

	h.readPacket() // IDENTIFY from us
	h.identify(testPubkey)
	time.Sleep(20 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		done <- m.SendMessage(testPubkey, "msg-2", "hello", 50*time.Millisecond)
	}()

	h.readPacket() // the MESSAGE, deliberately left unacknowledged

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected a timeout error, got nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendMessage never returned")
	}
}
