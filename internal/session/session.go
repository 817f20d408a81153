// Package session implements quince's peer session layer: the IDENTIFY
// handshake, at-most-one-session-per-pubkey bookkeeping, whitelist
// gating, and ACK-correlated message delivery, running one goroutine per
// connection.
package session

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/lispmeister/quince/internal/address"
	"github.com/lispmeister/quince/internal/log"
	"github.com/lispmeister/quince/internal/packet"
	"github.com/lispmeister/quince/internal/qerr"
	"github.com/lispmeister/quince/internal/set"
	"github.com/lispmeister/quince/internal/trace"
)

// State is a session's position in the connected → identified → closed
// state machine. A session is always ready to carry messages once
// identified, so no separate messaging state is tracked.
type State int

const (
	StateConnected State = iota
	StateIdentified
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateIdentified:
		return "identified"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const defaultACKTimeout = 30 * time.Second

// Callbacks groups the events the session layer emits. Any field left nil
// is simply not invoked.
type Callbacks struct {
	OnConnected    func(pubkey string)
	OnDisconnected func(pubkey string)
	OnRejected     func(pubkey string)
	OnMessage      func(pubkey, id, mime string)
	OnIntroduction func(pubkey string, p packet.Introduction)
	OnFileRequest  func(pubkey string, p packet.FileRequest)
	OnFileOffer    func(pubkey string, p packet.FileOffer)
	OnFileComplete func(pubkey string, p packet.FileComplete)
	OnStatus       func(pubkey string, p packet.StatusPacket)
}

// StatusProvider returns the broadcast status to send immediately after a
// new peer identifies.
type StatusProvider func() (status packet.Status, message string)

// Manager is the pubkey-keyed registry of live sessions for one
// overlay instance (the primary instance; the file-swarm carries no
// sessions of its own).
type Manager struct {
	SelfPubkey   string
	Capabilities []string
	ACKTimeout   time.Duration
	Whitelist    *set.String // nil or empty means no gating

	Callbacks Callbacks
	Status    StatusProvider

	mu       sync.Mutex
	sessions map[string]*Session // pubkey -> active session
}

// NewManager builds a Manager ready to accept connections.
func NewManager(selfPubkey string, capabilities []string) *Manager {
	return &Manager{
		SelfPubkey:   selfPubkey,
		Capabilities: capabilities,
		ACKTimeout:   defaultACKTimeout,
		sessions:     make(map[string]*Session),
	}
}

// Handle takes ownership of conn (a fresh overlay stream, inbound or
// outbound), sends IDENTIFY immediately, and runs its read loop until the
// connection closes. Handle blocks; callers invoke it in its own
// goroutine per connection.
func (m *Manager) Handle(conn io.ReadWriteCloser) {
	s := &Session{
		mgr:        m,
		conn:       conn,
		state:      StateConnected,
		ackWaiters: make(map[string]chan ackResult),
		tr:         trace.New("session", "conn"),
	}
	defer s.tr.Finish()

	if err := s.writePacket(packet.Identify{
		Type:         packet.TypeIdentify,
		PublicKey:    m.SelfPubkey,
		Capabilities: m.Capabilities,
	}); err != nil {
		s.tr.Errorf("writing IDENTIFY: %v", err)
		conn.Close()
		return
	}

	s.run()
}

// Lookup returns the live session for pubkey, if any.
func (m *Manager) Lookup(pubkey string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[pubkey]
	return s, ok
}

// SendMessage writes a MESSAGE packet to pubkey's session (if connected)
// and waits for the matching ACK.
func (m *Manager) SendMessage(pubkey, id, mime string, timeout time.Duration) error {
	s, ok := m.Lookup(pubkey)
	if !ok {
		return qerr.New(qerr.PeerUnreachable, fmt.Errorf("no session for %s", pubkey))
	}
	return s.sendMessage(id, mime, timeout)
}

// SendAck writes a fire-and-forget ACK packet to pubkey's session.
func (m *Manager) SendAck(pubkey, id string) error {
	s, ok := m.Lookup(pubkey)
	if !ok {
		return qerr.New(qerr.PeerUnreachable, fmt.Errorf("no session for %s", pubkey))
	}
	return s.writePacket(packet.Ack{Type: packet.TypeAck, ID: id})
}

// SendFileRequest, SendFileOffer and SendFileComplete write the
// file-transfer coordinator's control packets to pubkey's session. All
// three are fire-and-forget at the session layer; the coordinator itself
// tracks transfer state and retries at a higher level if at all.
func (m *Manager) SendFileRequest(pubkey string, p packet.FileRequest) error {
	p.Type = packet.TypeFileRequest
	return m.sendPacket(pubkey, p)
}

func (m *Manager) SendFileOffer(pubkey string, p packet.FileOffer) error {
	p.Type = packet.TypeFileOffer
	return m.sendPacket(pubkey, p)
}

func (m *Manager) SendFileComplete(pubkey string, p packet.FileComplete) error {
	p.Type = packet.TypeFileComplete
	return m.sendPacket(pubkey, p)
}

// Broadcast writes p to every currently connected session. Write errors
// are per-peer and non-fatal: a dying connection cleans itself up through
// its own read loop.
func (m *Manager) Broadcast(p interface{}) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if err := s.writePacket(p); err != nil {
			s.tr.Debugf("broadcast to %s failed: %v", s.Pubkey(), err)
		}
	}
}

func (m *Manager) sendPacket(pubkey string, p interface{}) error {
	s, ok := m.Lookup(pubkey)
	if !ok {
		return qerr.New(qerr.PeerUnreachable, fmt.Errorf("no session for %s", pubkey))
	}
	return s.writePacket(p)
}

// whitelisted reports whether pubkey may send gated packet types. An
// unconfigured (empty) whitelist means "accept everyone."
func (m *Manager) whitelisted(pubkey string) bool {
	if m.Whitelist == nil || m.Whitelist.Len() == 0 {
		return true
	}
	return m.Whitelist.Has(pubkey)
}

type ackResult struct {
	err error
}

// Session is one peer connection, from accept/connect through IDENTIFY to
// close.
type Session struct {
	mgr  *Manager
	conn io.ReadWriteCloser
	tr   *trace.Trace

	writeMu sync.Mutex

	mu            sync.Mutex
	state         State
	pubkey        string // set once IDENTIFIED
	capabilities  []string
	connectedAt   time.Time
	lastMessageAt time.Time
	status        packet.Status
	statusMessage string

	ackMu      sync.Mutex
	ackWaiters map[string]chan ackResult
}

// PeerInfo is a snapshot of one connected peer's identity, capabilities
// and liveness.
type PeerInfo struct {
	Pubkey        string
	Capabilities  []string
	Status        packet.Status
	StatusMessage string
	ConnectedAt   time.Time
	LastMessageAt time.Time
}

// ListPeers returns a PeerInfo snapshot for every currently connected
// session.
func (m *Manager) ListPeers() []PeerInfo {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]PeerInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.info())
	}
	return out
}

func (s *Session) info() PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return PeerInfo{
		Pubkey:        s.pubkey,
		Capabilities:  append([]string(nil), s.capabilities...),
		Status:        s.status,
		StatusMessage: s.statusMessage,
		ConnectedAt:   s.connectedAt,
		LastMessageAt: s.lastMessageAt,
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Pubkey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pubkey
}

func (s *Session) run() {
	scanner := packet.NewScanner(s.conn)

	identified := false
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		p, err := packet.Parse(line)
		if err != nil {
			// Malformed JSON: log and continue, never close over it.
			s.tr.Debugf("malformed packet: %v", err)
			continue
		}

		if !identified {
			id, ok := p.(packet.Identify)
			if !ok {
				// Anything arriving before IDENTIFY is dropped; the
				// connection stays open waiting for the handshake.
				s.tr.Debugf("dropping %T received before IDENTIFY", p)
				continue
			}
			if !s.handleIdentify(id) {
				break
			}
			identified = true
			continue
		}

		s.dispatch(p)
	}

	s.teardown()
}

// handleIdentify validates and records the peer's identity. It returns
// false if the connection must be closed.
func (s *Session) handleIdentify(id packet.Identify) bool {
	if !address.IsPubkeyHex(id.PublicKey) {
		s.tr.Errorf("IDENTIFY with malformed pubkey %q; closing", id.PublicKey)
		return false
	}

	m := s.mgr
	m.mu.Lock()
	if existing, ok := m.sessions[id.PublicKey]; ok && existing != s {
		m.mu.Unlock()
		s.tr.Debugf("duplicate connection for %s; closing new one", id.PublicKey)
		return false
	}
	m.sessions[id.PublicKey] = s
	m.mu.Unlock()

	now := time.Now()
	s.mu.Lock()
	s.pubkey = id.PublicKey
	s.state = StateIdentified
	s.capabilities = id.Capabilities
	s.connectedAt = now
	s.lastMessageAt = now
	s.status = packet.StatusAvailable
	s.mu.Unlock()

	if m.Callbacks.OnConnected != nil {
		m.Callbacks.OnConnected(id.PublicKey)
	}

	if m.Status != nil {
		status, msg := m.Status()
		if status != packet.StatusAvailable || msg != "" {
			_ = s.writePacket(packet.StatusPacket{
				Type:    packet.TypeStatus,
				Status:  status,
				Message: msg,
			})
		}
	}

	return true
}

func (s *Session) dispatch(p interface{}) {
	pubkey := s.Pubkey()
	m := s.mgr

	s.mu.Lock()
	s.lastMessageAt = time.Now()
	s.mu.Unlock()

	gated := func(ok bool) bool {
		if ok {
			return true
		}
		s.tr.Debugf("dropping packet from non-whitelisted %s", pubkey)
		if m.Callbacks.OnRejected != nil {
			m.Callbacks.OnRejected(pubkey)
		}
		return false
	}

	switch v := p.(type) {
	case packet.Ack:
		s.resolveAck(v.ID, nil)
	case packet.StatusPacket:
		s.mu.Lock()
		s.status = v.Status
		s.statusMessage = v.Message
		s.mu.Unlock()
		if m.Callbacks.OnStatus != nil {
			m.Callbacks.OnStatus(pubkey, v)
		}
	case packet.Message:
		if gated(m.whitelisted(pubkey)) && m.Callbacks.OnMessage != nil {
			m.Callbacks.OnMessage(pubkey, v.ID, v.Mime)
		}
	case packet.Introduction:
		if gated(m.whitelisted(pubkey)) && m.Callbacks.OnIntroduction != nil {
			m.Callbacks.OnIntroduction(pubkey, v)
		}
	case packet.FileRequest:
		if gated(m.whitelisted(pubkey)) && m.Callbacks.OnFileRequest != nil {
			m.Callbacks.OnFileRequest(pubkey, v)
		}
	case packet.FileOffer:
		if gated(m.whitelisted(pubkey)) && m.Callbacks.OnFileOffer != nil {
			m.Callbacks.OnFileOffer(pubkey, v)
		}
	case packet.FileComplete:
		if gated(m.whitelisted(pubkey)) && m.Callbacks.OnFileComplete != nil {
			m.Callbacks.OnFileComplete(pubkey, v)
		}
	case packet.Identify:
		// A second IDENTIFY mid-session: ignore, the first one won.
		s.tr.Debugf("ignoring repeated IDENTIFY from %s", pubkey)
	default:
		s.tr.Debugf("unhandled packet type %T", p)
	}
}

func (s *Session) sendMessage(id, mime string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.mgr.ACKTimeout
		if timeout <= 0 {
			timeout = defaultACKTimeout
		}
	}

	ch := make(chan ackResult, 1)
	s.ackMu.Lock()
	s.ackWaiters[id] = ch
	s.ackMu.Unlock()

	defer func() {
		s.ackMu.Lock()
		delete(s.ackWaiters, id)
		s.ackMu.Unlock()
	}()

	if err := s.writePacket(packet.Message{
		Type: packet.TypeMessage,
		ID:   id,
		From: s.mgr.SelfPubkey,
		Mime: mime,
	}); err != nil {
		return qerr.New(qerr.PeerUnreachable, err)
	}

	select {
	case res := <-ch:
		return res.err
	case <-time.After(timeout):
		return qerr.Newf(qerr.ACKTimeout, fmt.Sprintf("no ACK for message %s within %s", id, timeout))
	}
}

func (s *Session) resolveAck(id string, err error) {
	s.ackMu.Lock()
	ch, ok := s.ackWaiters[id]
	if ok {
		delete(s.ackWaiters, id)
	}
	s.ackMu.Unlock()

	if ok {
		ch <- ackResult{err: err}
	}
}

func (s *Session) writePacket(p interface{}) error {
	buf, err := packet.Encode(p)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.conn.Write(buf)
	return err
}

func (s *Session) teardown() {
	s.conn.Close()
	s.setState(StateClosed)

	pubkey := s.Pubkey()
	if pubkey == "" {
		return
	}

	m := s.mgr
	m.mu.Lock()
	stillCurrent := m.sessions[pubkey] == s
	if stillCurrent {
		delete(m.sessions, pubkey)
	}
	m.mu.Unlock()

	if !stillCurrent {
		// This session lost the duplicate-connection race; the winner is
		// still registered and owns the pubkey → session mapping.
		return
	}

	s.ackMu.Lock()
	for id, ch := range s.ackWaiters {
		ch <- ackResult{err: qerr.New(qerr.PeerUnreachable, fmt.Errorf("connection closed before ACK for %s", id))}
	}
	s.ackWaiters = make(map[string]chan ackResult)
	s.ackMu.Unlock()

	if m.Callbacks.OnDisconnected != nil {
		m.Callbacks.OnDisconnected(pubkey)
	}
	log.Debugf("session: %s disconnected", pubkey)
}
