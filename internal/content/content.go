// Package content implements quince's content-addressed, Merkle-verified
// file store: a per-peer append-only writable Volume on the sender side,
// and a read-only replica keyed by the sender's public drive_key on the
// receiver side.
//
// Local block storage is go-ds-badger with go-ipfs-blockstore on top,
// go-merkledag + go-ipld-format for the Merkle DAG over file chunks, and
// go-cid for content addressing. Files need only a two-level tree (one
// parent node of chunk links per file) and a narrow replicator
// (replicate.go) instead of bitswap, since a Volume only ever talks to
// the one peer it was opened for.
//
// The write/read split is enforced structurally: a writable Volume's Put
// is the only way to mint new root CIDs for a path, and every block a
// read-only Volume accepts is verified against its claimed CID by
// go-block-format's NewBlockWithCid before it is stored, so a peer
// replicating by drive_key cannot inject content under a path it didn't
// derive from the real bytes.
package content

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-blockservice"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	badgerds "github.com/ipfs/go-ds-badger"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	offline "github.com/ipfs/go-ipfs-exchange-offline"
	ipldformat "github.com/ipfs/go-ipld-format"
	"github.com/ipfs/go-merkledag"
	"golang.org/x/crypto/blake2b"

	"github.com/lispmeister/quince/internal/identity"
	"github.com/lispmeister/quince/internal/log"
)

// chunkSize bounds how large a single DAG leaf block is. Files above this
// size are split into multiple chunk leaves under one parent node.
const chunkSize = 256 * 1024

// Volume is an append-only, Merkle-verified byte store named by a
// directory of <message_id>/<filename> paths. A writable Volume is held
// by the sender (one per remote peer, outbound); a read-only Volume is
// held by the receiver (one per drive_key, inbound).
type Volume struct {
	dir      string
	writable bool
	driveKey string // lowercase hex Ed25519 public key minted for this volume

	ds  datastore.Batching
	bs  blockstore.Blockstore
	dag ipldformat.DAGService

	mu    sync.Mutex
	index map[string]cid.Cid // path -> root block
}

// Store owns every Volume the daemon holds: at most one writable Volume
// per remote pubkey, and at most one read-only Volume per drive_key.
type Store struct {
	rootDir string

	mu       sync.Mutex
	outbound map[string]*Volume // peer pubkey -> writable volume
	inbound  map[string]*Volume // drive key hex -> read-only volume
}

// NewStore prepares a Store rooted at dir (quince's "drives/" directory).
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("content: mkdir %s: %w", dir, err)
	}
	return &Store{
		rootDir:  dir,
		outbound: make(map[string]*Volume),
		inbound:  make(map[string]*Volume),
	}, nil
}

// OutboundVolume returns the writable volume for peerPubkey, creating
// and minting a drive_key for it on first use. Idempotent per peer.
func (s *Store) OutboundVolume(peerPubkey string) (*Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.outbound[peerPubkey]; ok {
		return v, nil
	}

	dir := filepath.Join(s.rootDir, "out", peerPubkey)
	driveKey, err := loadOrMintDriveKey(dir)
	if err != nil {
		return nil, err
	}

	v, err := openVolume(dir, driveKey, true)
	if err != nil {
		return nil, err
	}
	s.outbound[peerPubkey] = v
	log.Infof("content: outbound volume for %s, drive key %s", peerPubkey, driveKey)
	return v, nil
}

// InboundVolume returns the read-only replica keyed by driveKey, opening
// it on first use.
func (s *Store) InboundVolume(driveKey string) (*Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.inbound[driveKey]; ok {
		return v, nil
	}

	dir := filepath.Join(s.rootDir, "in", driveKey)
	v, err := openVolume(dir, driveKey, false)
	if err != nil {
		return nil, err
	}
	s.inbound[driveKey] = v
	return v, nil
}

// loadOrMintDriveKey reads dir/drivekey, minting a fresh Ed25519 identity
// into it if absent. The secret half is kept owner-only on disk, since
// this key's holder is the only party who may write new roots into the
// volume.
func loadOrMintDriveKey(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	secretPath := filepath.Join(dir, "drivekey")
	publicPath := filepath.Join(dir, "drivekey_pub")

	if _, err := os.Stat(secretPath); err == nil {
		id, err := identity.Load(secretPath, publicPath)
		if err != nil {
			return "", fmt.Errorf("content: loading drive key: %w", err)
		}
		return id.PublicHex(), nil
	}

	id, err := identity.Generate()
	if err != nil {
		return "", err
	}
	if err := identity.Save(id, secretPath, publicPath); err != nil {
		return "", err
	}
	return id.PublicHex(), nil
}

func openVolume(dir, driveKey string, writable bool) (*Volume, error) {
	blockDir := filepath.Join(dir, "blocks")
	if err := os.MkdirAll(blockDir, 0700); err != nil {
		return nil, fmt.Errorf("content: mkdir %s: %w", blockDir, err)
	}

	opts := badgerds.DefaultOptions
	opts.SyncWrites = false
	ds, err := badgerds.NewDatastore(blockDir, &opts)
	if err != nil {
		return nil, fmt.Errorf("content: opening badger store at %s: %w", blockDir, err)
	}

	bs := blockstore.NewBlockstore(ds)
	bserv := blockservice.New(bs, offline.Exchange(bs))
	dag := merkledag.NewDAGService(bserv)

	v := &Volume{
		dir:      dir,
		writable: writable,
		driveKey: driveKey,
		ds:       ds,
		bs:       bs,
		dag:      dag,
		index:    make(map[string]cid.Cid),
	}
	return v, nil
}

// DriveKey returns the volume's public drive key (lowercase hex).
func (v *Volume) DriveKey() string { return v.driveKey }

// Writable reports whether this is the sender-side volume.
func (v *Volume) Writable() bool { return v.writable }

// Put chunks data into one or more Merkle leaves and records the
// resulting root under path. Only a writable volume may Put: write
// capability belongs only to the identity that minted the drive_key.
func (v *Volume) Put(ctx context.Context, path string, data []byte) (cid.Cid, error) {
	if !v.writable {
		return cid.Undef, fmt.Errorf("content: volume %s is read-only", v.driveKey)
	}

	root, err := v.putChunks(ctx, data)
	if err != nil {
		return cid.Undef, err
	}

	v.mu.Lock()
	v.index[path] = root
	v.mu.Unlock()

	return root, nil
}

func (v *Volume) putChunks(ctx context.Context, data []byte) (cid.Cid, error) {
	if len(data) <= chunkSize {
		leaf := merkledag.NewRawNode(data)
		if err := v.dag.Add(ctx, leaf); err != nil {
			return cid.Undef, fmt.Errorf("content: storing leaf: %w", err)
		}
		return leaf.Cid(), nil
	}

	parent := merkledag.NodeWithData(nil)
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		leaf := merkledag.NewRawNode(data[off:end])
		if err := v.dag.Add(ctx, leaf); err != nil {
			return cid.Undef, fmt.Errorf("content: storing chunk: %w", err)
		}
		if err := parent.AddNodeLink(fmt.Sprintf("%d", off/chunkSize), leaf); err != nil {
			return cid.Undef, fmt.Errorf("content: linking chunk: %w", err)
		}
	}
	if err := v.dag.Add(ctx, parent); err != nil {
		return cid.Undef, fmt.Errorf("content: storing parent: %w", err)
	}
	return parent.Cid(), nil
}

// Get returns path's bytes once the root block (and, if chunked, every
// leaf) has been stored locally, by Put on a writable volume or by
// replication on a read-only one. ok is false, with a nil error, when the
// path hasn't replicated yet; callers poll.
func (v *Volume) Get(ctx context.Context, path string) (data []byte, ok bool, err error) {
	v.mu.Lock()
	root, have := v.index[path]
	v.mu.Unlock()
	if !have {
		return nil, false, nil
	}

	buf, err := v.readNode(ctx, root)
	if err != nil {
		return nil, false, err
	}
	return buf, true, nil
}

func (v *Volume) readNode(ctx context.Context, root cid.Cid) ([]byte, error) {
	node, err := v.dag.Get(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("content: fetching %s: %w", root, err)
	}

	if _, isRaw := node.(*merkledag.RawNode); isRaw {
		return node.RawData(), nil
	}

	proto, ok := node.(*merkledag.ProtoNode)
	if !ok {
		return nil, fmt.Errorf("content: node %s is neither raw nor protobuf", root)
	}

	var out []byte
	for _, link := range proto.Links() {
		child, err := v.dag.Get(ctx, link.Cid)
		if err != nil {
			return nil, fmt.Errorf("content: fetching chunk %s: %w", link.Cid, err)
		}
		out = append(out, child.RawData()...)
	}
	return out, nil
}

// Clear frees the blocks backing path, actually deleting them from the
// local blockstore rather than only dropping the index entry.
func (v *Volume) Clear(ctx context.Context, path string) error {
	v.mu.Lock()
	root, have := v.index[path]
	if have {
		delete(v.index, path)
	}
	v.mu.Unlock()
	if !have {
		return nil
	}

	cids, err := v.descendants(ctx, root)
	if err != nil {
		return err
	}
	for _, c := range cids {
		if err := v.bs.DeleteBlock(ctx, c); err != nil {
			log.Errorf("content: deleting block %s: %v", c, err)
		}
	}
	return nil
}

// descendants returns root and, if root is a chunked parent, every leaf
// CID it links to.
func (v *Volume) descendants(ctx context.Context, root cid.Cid) ([]cid.Cid, error) {
	node, err := v.dag.Get(ctx, root)
	if err != nil {
		return []cid.Cid{root}, nil
	}
	out := []cid.Cid{root}
	if proto, ok := node.(*merkledag.ProtoNode); ok {
		for _, link := range proto.Links() {
			out = append(out, link.Cid)
		}
	}
	return out, nil
}

// Close releases the volume's local datastore handle.
func (v *Volume) Close() error {
	if closer, ok := v.ds.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// importBlock verifies raw against c (go-block-format's NewBlockWithCid
// recomputes the hash and rejects a mismatch) and stores it, used by the
// replicator when a read-only volume receives a block over the wire.
func (v *Volume) importBlock(ctx context.Context, c cid.Cid, raw []byte) error {
	blk, err := blocks.NewBlockWithCid(raw, c)
	if err != nil {
		return fmt.Errorf("content: %s: %w", c, err)
	}
	return v.bs.Put(ctx, blk)
}

// setRoot records path's root once every descendant block has replicated.
func (v *Volume) setRoot(path string, root cid.Cid) {
	v.mu.Lock()
	v.index[path] = root
	v.mu.Unlock()
}

// DiscoveryKeyOf derives the file-swarm topic for a drive_key: a hash of
// the drive's public key, so the key itself isn't the thing advertised
// on the DHT.
func DiscoveryKeyOf(driveKeyHex string) ([]byte, error) {
	raw, err := hex.DecodeString(driveKeyHex)
	if err != nil {
		return nil, fmt.Errorf("content: bad drive key %q: %w", driveKeyHex, err)
	}
	sum := blake2b.Sum256(raw)
	return sum[:], nil
}
