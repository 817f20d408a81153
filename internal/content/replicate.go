package content

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-merkledag"

	"github.com/lispmeister/quince/internal/log"
	"github.com/lispmeister/quince/internal/overlay"
	"github.com/lispmeister/quince/internal/packet"
)

// Replicator drives block replication for the file-swarm overlay
// instance. Unlike the primary instance's session layer, which
// multiplexes many peers' traffic over long-lived connections, a
// file-swarm connection is single-purpose: the dialer requests exactly
// one path from exactly one drive, the acceptor streams that path's
// blocks, and the connection closes.
type Replicator struct {
	in Swarm

	mu      sync.Mutex
	serving map[string]*Volume   // drive key hex -> volume currently being served
	fetches map[string]*fetchJob // discovery-key-as-string -> in-flight fetch
}

// Swarm is the slice of the file-swarm overlay instance the replicator
// drives: joining a topic in client or server mode. *overlay.Instance
// satisfies it.
type Swarm interface {
	Join(topic []byte, mode overlay.Mode) (*overlay.Handle, error)
}

var _ Swarm = (*overlay.Instance)(nil)

// NewReplicator builds a Replicator. Call Attach once the file-swarm
// overlay.Instance exists (the instance's constructor needs
// r.OnConnection, and r needs the instance back, so construction is
// necessarily two-step).
func NewReplicator() *Replicator {
	return &Replicator{
		serving: make(map[string]*Volume),
		fetches: make(map[string]*fetchJob),
	}
}

// Attach binds the file-swarm instance this replicator drives.
func (r *Replicator) Attach(in Swarm) { r.in = in }

// blockRequest is the single line a fetcher sends on a freshly dialed
// file-swarm stream.
type blockRequest struct {
	DriveKey string `json:"driveKey"`
	Path     string `json:"path"`
}

// blockMsg carries one verified block down to the fetcher. Root marks the
// first message, whose Cid is the path's root.
type blockMsg struct {
	Cid  string `json:"cid"`
	Data string `json:"data"` // base64
	Root bool   `json:"root,omitempty"`
}

type blockErrMsg struct {
	Error string `json:"error"`
}

type fetchJob struct {
	driveKey string
	path     string
	vol      *Volume
	finish   func(error)
}

// Serve makes v available to file-swarm dialers under its own drive key,
// for as long as this replicator is joined to v's discovery key in
// server mode.
func (r *Replicator) Serve(v *Volume) {
	r.mu.Lock()
	r.serving[v.driveKey] = v
	r.mu.Unlock()
}

// Unserve stops offering v to new file-swarm dialers.
func (r *Replicator) Unserve(driveKey string) {
	r.mu.Lock()
	delete(r.serving, driveKey)
	r.mu.Unlock()
}

// OnConnection is the file-swarm overlay.Instance's connection callback.
// A connection this replicator itself dialed for a pending Fetch carries
// that fetch's topic in info.Topics; anything else is a server-mode
// acceptance, read as an incoming block request (server-mode acceptances
// carry no topic until the first line is read).
func (r *Replicator) OnConnection(conn io.ReadWriteCloser, info overlay.ConnInfo) {
	if len(info.Topics) > 0 {
		r.mu.Lock()
		job, ok := r.fetches[string(info.Topics[0])]
		r.mu.Unlock()
		if ok {
			r.runFetch(conn, job)
			return
		}
	}
	r.serveIncoming(conn)
}

func (r *Replicator) serveIncoming(conn io.ReadWriteCloser) {
	defer conn.Close()

	scanner := packet.NewScanner(conn)
	if !scanner.Scan() {
		return
	}

	var req blockRequest
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
		log.Debugf("content: malformed block request: %v", err)
		return
	}

	r.mu.Lock()
	v, ok := r.serving[req.DriveKey]
	r.mu.Unlock()
	if !ok {
		writeLine(conn, blockErrMsg{Error: "unknown drive"})
		return
	}

	v.mu.Lock()
	root, have := v.index[req.Path]
	v.mu.Unlock()
	if !have {
		writeLine(conn, blockErrMsg{Error: "unknown path"})
		return
	}

	if err := r.serveTree(conn, v, root); err != nil {
		log.Debugf("content: serving %s/%s: %v", req.DriveKey, req.Path, err)
	}
}

// serveTree writes root first, then (if root is a chunked parent) every
// leaf it links to, each as a verified blockMsg.
func (r *Replicator) serveTree(conn io.Writer, v *Volume, root cid.Cid) error {
	ctx := context.Background()

	node, err := v.dag.Get(ctx, root)
	if err != nil {
		return err
	}
	if err := writeLine(conn, blockMsg{Cid: root.String(), Data: encode(node.RawData()), Root: true}); err != nil {
		return err
	}

	proto, ok := node.(*merkledag.ProtoNode)
	if !ok {
		return nil
	}
	for _, link := range proto.Links() {
		child, err := v.dag.Get(ctx, link.Cid)
		if err != nil {
			return err
		}
		if err := writeLine(conn, blockMsg{Cid: link.Cid.String(), Data: encode(child.RawData())}); err != nil {
			return err
		}
	}
	return nil
}

// JoinServer advertises topic in server mode on the file-swarm instance.
// The caller keeps the returned Handle until the transfer's
// FILE_COMPLETE arrives.
func (r *Replicator) JoinServer(topic []byte) (*overlay.Handle, error) {
	if r.in == nil {
		return nil, fmt.Errorf("content: replicator not attached to an overlay instance")
	}
	return r.in.Join(topic, overlay.ModeServer)
}

// Fetch dials driveKey's discovery key over the file-swarm instance,
// requests path, and blocks until the whole tree has replicated into v or
// ctx is cancelled. This is one replication attempt, bounded by the
// caller's ctx, since a FILE_OFFER can arrive before the sender has
// finished announcing.
func (r *Replicator) Fetch(ctx context.Context, v *Volume, driveKey, path string) error {
	if r.in == nil {
		return fmt.Errorf("content: replicator not attached to an overlay instance")
	}

	topic, err := DiscoveryKeyOf(driveKey)
	if err != nil {
		return err
	}
	key := string(topic)

	done := make(chan error, 1)
	var once sync.Once
	finish := func(err error) { once.Do(func() { done <- err }) }

	r.mu.Lock()
	r.fetches[key] = &fetchJob{driveKey: driveKey, path: path, vol: v, finish: finish}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.fetches, key)
		r.mu.Unlock()
	}()

	handle, err := r.in.Join(topic, overlay.ModeClient)
	if err != nil {
		return err
	}
	defer handle.Leave()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runFetch is the client half of a file-swarm connection: send the
// request, then verify and import every block as it arrives, finishing
// once the root (and, for a chunked file, every leaf it links to) has
// been received.
func (r *Replicator) runFetch(conn io.ReadWriteCloser, job *fetchJob) {
	defer conn.Close()
	ctx := context.Background()

	if err := writeLine(conn, blockRequest{DriveKey: job.driveKey, Path: job.path}); err != nil {
		job.finish(err)
		return
	}

	scanner := packet.NewScanner(conn)
	var root cid.Cid
	var pending map[string]bool // remaining leaf cid strings, nil until root tells us the count
	gotRoot := false

	for scanner.Scan() {
		line := scanner.Bytes()

		var e blockErrMsg
		if json.Unmarshal(line, &e) == nil && e.Error != "" {
			job.finish(fmt.Errorf("content: fetch %s/%s: %s", job.driveKey, job.path, e.Error))
			return
		}

		var m blockMsg
		if err := json.Unmarshal(line, &m); err != nil {
			continue
		}
		c, err := cid.Decode(m.Cid)
		if err != nil {
			job.finish(fmt.Errorf("content: bad cid %q: %w", m.Cid, err))
			return
		}
		raw, err := base64.StdEncoding.DecodeString(m.Data)
		if err != nil {
			job.finish(fmt.Errorf("content: bad block encoding for %s: %w", m.Cid, err))
			return
		}
		if err := job.vol.importBlock(ctx, c, raw); err != nil {
			job.finish(fmt.Errorf("content: verifying block %s: %w", m.Cid, err))
			return
		}

		if m.Root {
			gotRoot = true
			root = c
			if c.Prefix().Codec == cid.DagProtobuf {
				blk, err := blocks.NewBlockWithCid(raw, c)
				if err == nil {
					if node, err := merkledag.DecodeProtobufBlock(blk); err == nil {
						if proto, ok := node.(*merkledag.ProtoNode); ok {
							pending = make(map[string]bool, len(proto.Links()))
							for _, l := range proto.Links() {
								pending[l.Cid.String()] = true
							}
						}
					}
				}
			}
			if len(pending) == 0 {
				job.vol.setRoot(job.path, root)
				job.finish(nil)
				return
			}
			continue
		}

		if pending != nil {
			delete(pending, c.String())
			if len(pending) == 0 {
				job.vol.setRoot(job.path, root)
				job.finish(nil)
				return
			}
		}
	}

	if !gotRoot {
		job.finish(fmt.Errorf("content: fetch %s/%s: connection closed with no data", job.driveKey, job.path))
	}
}

func writeLine(w io.Writer, v interface{}) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf = append(buf, '\n')
	_, err = w.Write(buf)
	return err
}

func encode(b []byte) string { return base64.StdEncoding.EncodeToString(b) }
