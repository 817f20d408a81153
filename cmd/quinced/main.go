// quinced is the quince daemon: it holds one Ed25519 identity, joins the
// DHT-discovered overlay under it, and carries signed messages and
// replicated file transfers between peers.
package main

import (
	"context"
	"expvar"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/lispmeister/quince/internal/config"
	"github.com/lispmeister/quince/internal/content"
	"github.com/lispmeister/quince/internal/directory"
	"github.com/lispmeister/quince/internal/identity"
	"github.com/lispmeister/quince/internal/inbox"
	"github.com/lispmeister/quince/internal/log"
	"github.com/lispmeister/quince/internal/overlay"
	"github.com/lispmeister/quince/internal/queue"
	"github.com/lispmeister/quince/internal/router"
	"github.com/lispmeister/quince/internal/session"
	"github.com/lispmeister/quince/internal/set"
	"github.com/lispmeister/quince/internal/systemd"
	"github.com/lispmeister/quince/internal/transfer"
)

// primaryProto carries session traffic: IDENTIFY, MESSAGE/ACK, STATUS,
// INTRODUCTION and the FILE_REQUEST/OFFER/COMPLETE control packets.
const primaryProto protocol.ID = "/quince/session/1.0.0"

// fileSwarmProto carries only replicated blocks; it is never shared with
// the primary instance.
const fileSwarmProto protocol.ID = "/quince/fileswarm/1.0.0"

var (
	configDir = flag.String("config_dir", "/etc/quince",
		"configuration directory")
	showVer = flag.Bool("version", false, "show version and exit")
)

// Build information, overridden at build time using
// -ldflags="-X main.version=blah".
var version = "undefined"

var versionVar = expvar.NewString("quince/version")

func main() {
	flag.Parse()
	log.Init()

	versionVar.Set(version)
	if *showVer {
		fmt.Printf("quinced %s\n", version)
		return
	}

	log.Infof("quinced starting (version %s)", version)

	cfg, err := config.Load(filepath.Join(*configDir, "config.json"))
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	config.LogConfig(cfg)

	if err := os.Chdir(*configDir); err != nil {
		log.Fatalf("Error changing to config dir %q: %v", *configDir, err)
	}

	id := loadOrGenerateIdentity(cfg.DataDir)
	log.Infof("identity: %s", id.PublicHex())

	go signalHandler()

	priv, err := crypto.UnmarshalEd25519PrivateKey(id.SecretKey)
	if err != nil {
		log.Fatalf("Error deriving overlay transport key: %v", err)
	}

	ctx := context.Background()

	sessions := session.NewManager(id.PublicHex(), []string{"file-transfer"})
	sessions.Whitelist = set.NewString(cfg.Whitelist...)

	primary, err := overlay.New(ctx, priv, primaryProto, cfg.ListenAddrs, func(s network.Stream, _ overlay.ConnInfo) {
		sessions.Handle(s)
	})
	if err != nil {
		log.Fatalf("Error starting primary overlay: %v", err)
	}

	repl := content.NewReplicator()
	fileSwarm, err := overlay.New(ctx, priv, fileSwarmProto, nil, func(s network.Stream, info overlay.ConnInfo) {
		repl.OnConnection(s, info)
	})
	if err != nil {
		log.Fatalf("Error starting file-swarm overlay: %v", err)
	}
	repl.Attach(fileSwarm)

	if _, err := primary.Join([]byte(id.PublicHex()), overlay.ModeServer|overlay.ModeClient); err != nil {
		log.Fatalf("Error joining primary overlay under our own key: %v", err)
	}

	// Announcing under our own key makes us reachable; to reach our
	// configured peers we also look for each of them under theirs.
	for alias, pubkey := range cfg.Peers {
		if _, err := primary.Join([]byte(pubkey), overlay.ModeClient); err != nil {
			log.Errorf("Error joining overlay for peer %q: %v", alias, err)
		}
	}

	contentStore, err := content.NewStore(filepath.Join(cfg.DataDir, "drives"))
	if err != nil {
		log.Fatalf("Error opening content store: %v", err)
	}

	ib, err := inbox.Open(filepath.Join(cfg.DataDir, "inbox"))
	if err != nil {
		log.Fatalf("Error opening inbox: %v", err)
	}

	records, err := transfer.OpenStore(filepath.Join(cfg.DataDir, "transfers.json"))
	if err != nil {
		log.Fatalf("Error opening transfer records: %v", err)
	}

	coordinator := transfer.NewCoordinator(contentStore, repl, sessions, ib, records, cfg.MediaPath())
	coordinator.OnTransferComplete = func(r transfer.Record) {
		log.Infof("transfer: %s complete (%d files)", r.MessageID, len(r.Files))
	}
	coordinator.OnTransferFailed = func(r transfer.Record) {
		log.Errorf("transfer: %s failed", r.MessageID)
	}

	q, err := queue.New(filepath.Join(cfg.DataDir, "queue"))
	if err != nil {
		log.Fatalf("Error opening queue: %v", err)
	}

	core, err := router.New(cfg, id, sessions, q, ib, coordinator,
		filepath.Join(cfg.DataDir, "introductions.json"))
	if err != nil {
		log.Fatalf("Error assembling core: %v", err)
	}
	if cfg.DirectoryURL != "" {
		core.Directory = directory.NewHTTPClient(cfg.DirectoryURL)
	}

	core.Start()
	log.Infof("quinced ready, overlay peer id %s", primary.LocalPeerID())

	// The local SMTP/POP3/HTTP surface that drives core.Submit/Send/
	// ListPeers lives in separate processes; systemd.Listeners lets a
	// future in-process control surface pick up pre-bound sockets without
	// quinced itself needing privileges to bind low ports.
	if listeners, err := systemd.Listeners(); err != nil {
		log.Errorf("Error getting systemd listeners: %v", err)
	} else {
		for _, name := range []string{"smtp", "pop3", "http"} {
			if l := systemd.FirstListener(listeners, name); l != nil {
				log.Infof("systemd socket for %s on %s", name, l.Addr())
			}
		}
	}

	waitForShutdown()
	log.Infof("quinced shutting down")
	core.Shutdown()
	if err := primary.Destroy(); err != nil {
		log.Errorf("Error tearing down primary overlay: %v", err)
	}
	if err := fileSwarm.Destroy(); err != nil {
		log.Errorf("Error tearing down file-swarm overlay: %v", err)
	}
}

// loadOrGenerateIdentity loads the daemon's identity from dataDir/id and
// dataDir/id_pub, generating and persisting a fresh one on first run.
func loadOrGenerateIdentity(dataDir string) identity.Identity {
	secretPath := filepath.Join(dataDir, "id")
	publicPath := filepath.Join(dataDir, "id_pub")

	if _, err := os.Stat(secretPath); err == nil {
		id, err := identity.Load(secretPath, publicPath)
		if err != nil {
			log.Fatalf("Error loading identity: %v", err)
		}
		return id
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		log.Fatalf("Error creating data dir %q: %v", dataDir, err)
	}
	id, err := identity.Generate()
	if err != nil {
		log.Fatalf("Error generating identity: %v", err)
	}
	if err := identity.Save(id, secretPath, publicPath); err != nil {
		log.Fatalf("Error saving identity: %v", err)
	}
	log.Infof("generated a new identity at %s", secretPath)
	return id
}

func signalHandler() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP)

	for sig := range signals {
		switch sig {
		case syscall.SIGHUP:
			if err := log.Default.Reopen(); err != nil {
				log.Fatalf("Error reopening log: %v", err)
			}
		default:
			log.Errorf("Unexpected signal %v", sig)
		}
	}
}

func waitForShutdown() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals
}
