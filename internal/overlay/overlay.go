// Package overlay provides quince's DHT-discovered encrypted duplex
// transport: a libp2p host paired with a Kademlia DHT, exposing
// Join(topic, mode)/Leave/Destroy and an on-connection callback for
// authenticated duplex streams.
//
// Two independent Instances are created by the daemon: the primary
// instance, keyed by the local public key, carries session traffic; the
// file-swarm instance, keyed per-drive, carries replicated file blocks.
// They never share a libp2p host, so a compromised or noisy file swarm
// can't see session-layer connections.
package overlay

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/routing"

	"github.com/libp2p/go-libp2p"
	disc "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	noise "github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/multiformats/go-multiaddr"
	"github.com/multiformats/go-multihash"

	"github.com/lispmeister/quince/internal/log"
)

// Mode selects whether Join announces presence on the topic (Server),
// looks for other announcers (Client), or both.
type Mode int

const (
	ModeClient Mode = 1 << iota
	ModeServer
)

func (m Mode) has(f Mode) bool { return m&f != 0 }

// ConnInfo accompanies every authenticated stream delivered to an
// Instance's OnConnection callback. Topics is empty for server-mode
// acceptances before the peer-session layer has read an IDENTIFY packet
// off the stream.
type ConnInfo struct {
	Peer   peer.ID
	Topics [][]byte
}

// Handle is the discovery_handle returned by Join. Leave releases it.
type Handle struct {
	topic  []byte
	cancel context.CancelFunc
}

// Instance wraps one libp2p host and its Kademlia DHT.
type Instance struct {
	proto  protocol.ID
	onConn func(network.Stream, ConnInfo)

	host host.Host
	dht  *dht.IpfsDHT
	disc *disc.RoutingDiscovery

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	joined  map[string]Mode      // topic hex -> active modes, for duplicate Join/Leave bookkeeping
	streams map[peer.ID][]string // peer -> topic hexes seen on its streams, for info.topics backfill
}

// New brings up a libp2p host with a Noise-secured transport and a
// Kademlia DHT in client+server mode, registers proto as the only stream
// handler, and starts routing discovery. priv is the host's long-lived
// libp2p identity key; wire-transport identity and message-signing
// identity stay separate concerns even when both derive from the same
// Ed25519 keypair.
func New(parent context.Context, priv crypto.PrivKey, proto protocol.ID, listenAddrs []string, onConn func(network.Stream, ConnInfo)) (*Instance, error) {
	ctx, cancel := context.WithCancel(parent)

	in := &Instance{
		proto:   proto,
		onConn:  onConn,
		ctx:     ctx,
		cancel:  cancel,
		joined:  make(map[string]Mode),
		streams: make(map[peer.ID][]string),
	}

	var kad *dht.IpfsDHT
	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.Security(noise.ID, noise.New),
		libp2p.NATPortMap(),
		libp2p.EnableNATService(),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var err error
			kad, err = dht.New(ctx, h, dht.Mode(dht.ModeAuto))
			return kad, err
		}),
	}
	if len(listenAddrs) > 0 {
		addrs := make([]multiaddr.Multiaddr, 0, len(listenAddrs))
		for _, s := range listenAddrs {
			ma, err := multiaddr.NewMultiaddr(s)
			if err != nil {
				cancel()
				return nil, fmt.Errorf("overlay: bad listen addr %q: %w", s, err)
			}
			addrs = append(addrs, ma)
		}
		opts = append(opts, libp2p.ListenAddrs(addrs...))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("overlay: libp2p.New: %w", err)
	}
	in.host = h
	in.dht = kad
	in.disc = disc.NewRoutingDiscovery(kad)

	h.SetStreamHandler(proto, in.handleIncoming)

	log.Infof("overlay: host %s up, proto %s", h.ID(), proto)
	return in, nil
}

func (in *Instance) handleIncoming(s network.Stream) {
	pid := s.Conn().RemotePeer()

	in.mu.Lock()
	topics := append([]string(nil), in.streams[pid]...)
	in.mu.Unlock()

	info := ConnInfo{Peer: pid}
	for _, t := range topics {
		info.Topics = append(info.Topics, []byte(t))
	}
	// info.Topics may legitimately be empty here: this is a server-mode
	// acceptance and the remote hasn't identified yet.
	in.onConn(s, info)
}

// discoveryKey derives the DHT lookup key for a raw topic the way a CID
// derives from content: hash it and wrap it as a multihash-addressed CID
// so Provide/FindPeers can use it directly.
func discoveryKey(topic []byte) multihash.Multihash {
	sum := sha256.Sum256(topic)
	mh, err := multihash.Encode(sum[:], multihash.SHA2_256)
	if err != nil {
		// multihash.Encode only fails on an unregistered hash function;
		// SHA2_256 is always registered.
		panic(err)
	}
	return mh
}

// Join announces (ModeServer), discovers (ModeClient), or both, on topic.
// Advertising (ModeServer) has completed by the time Join returns. For
// ModeClient, Join waits for the initial FindPeers pass to finish, but for
// at most 5 seconds; discoveries after that are handled in the background.
func (in *Instance) Join(topic []byte, mode Mode) (*Handle, error) {
	key := string(discoveryKey(topic))

	in.mu.Lock()
	in.joined[key] |= mode
	in.mu.Unlock()

	ctx, cancel := context.WithCancel(in.ctx)
	h := &Handle{topic: topic, cancel: cancel}

	ns := key // opaque namespace string; discovery only needs byte-equality

	if mode.has(ModeServer) {
		if _, err := in.disc.Advertise(ctx, ns); err != nil {
			cancel()
			return nil, fmt.Errorf("overlay: advertise: %w", err)
		}
	}

	if mode.has(ModeClient) {
		peerCh, err := in.disc.FindPeers(ctx, ns)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("overlay: find peers: %w", err)
		}
		// Drain the first round synchronously so Join's caller sees
		// whatever the DHT already knows before returning; further
		// discoveries (peers announcing later) are handled in the
		// background goroutine below.
		first := make(chan struct{})
		go in.dialDiscovered(ctx, topic, key, peerCh, first)
		select {
		case <-first:
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
		}
	}

	return h, nil
}

func (in *Instance) dialDiscovered(ctx context.Context, topic []byte, key string, peerCh <-chan peer.AddrInfo, first chan<- struct{}) {
	closedFirst := false
	closeFirst := func() {
		if !closedFirst {
			closedFirst = true
			close(first)
		}
	}
	defer closeFirst()

	for {
		select {
		case <-ctx.Done():
			return
		case pi, ok := <-peerCh:
			if !ok {
				closeFirst()
				return
			}
			if pi.ID == in.host.ID() {
				continue
			}
			in.dialAndOpen(ctx, pi, topic, key)
		}
	}
}

func (in *Instance) dialAndOpen(ctx context.Context, pi peer.AddrInfo, topic []byte, key string) {
	dialCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	if err := in.host.Connect(dialCtx, pi); err != nil {
		log.Debugf("overlay: connect %s failed: %v", pi.ID, err)
		return
	}

	s, err := in.host.NewStream(dialCtx, pi.ID, in.proto)
	if err != nil {
		log.Debugf("overlay: new stream to %s failed: %v", pi.ID, err)
		return
	}

	in.mu.Lock()
	in.streams[pi.ID] = append(in.streams[pi.ID], string(topic))
	in.mu.Unlock()

	in.onConn(s, ConnInfo{Peer: pi.ID, Topics: [][]byte{topic}})
}

// Leave unannounces topic. It is best-effort: libp2p's DHT has no
// unprovide primitive, so the provider record simply expires on its own
// TTL (about 20 minutes). Callers must not block shutdown on it. Safe on
// a zero Handle.
func (h *Handle) Leave() {
	if h.cancel != nil {
		h.cancel()
	}
}

// Destroy tears down the instance's DHT and host. Like Leave, this is
// best-effort on the DHT side.
func (in *Instance) Destroy() error {
	in.cancel()
	if in.dht != nil {
		if err := in.dht.Close(); err != nil {
			log.Errorf("overlay: dht close: %v", err)
		}
	}
	return in.host.Close()
}

// Host exposes the underlying libp2p host for callers that need to dial
// a specific peer directly.
func (in *Instance) Host() host.Host { return in.host }

// LocalPeerID returns this instance's libp2p peer ID.
func (in *Instance) LocalPeerID() peer.ID { return in.host.ID() }
