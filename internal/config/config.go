// Package config loads quince's on-disk configuration.
//
// The daemon reads config.json once at startup and treats the result as
// immutable from then on. This package is the loader; everything
// downstream of Load takes a pointer to the immutable struct.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/lispmeister/quince/internal/log"
)

var aliasRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,32}$`)
var hexPubkeyRe = regexp.MustCompile(`^[a-f0-9]{64}$`)

// Config is quince's daemon configuration, loaded from config.json in
// the config directory.
type Config struct {
	// Local username, used to build this identity's full address for
	// display purposes (the wire identity is always the pubkey).
	Username string `json:"username"`

	// Local control-surface ports. The SMTP/POP3/HTTP protocols
	// themselves live outside the daemon; quince only needs the ports to
	// advertise them in diagnostics and to feed them to whatever process
	// hosts those protocols alongside it.
	SMTPPort int `json:"smtpPort"`
	POP3Port int `json:"pop3Port"`
	HTTPPort int `json:"httpPort"`

	// Peers maps a local alias (up to 32 chars of [A-Za-z0-9._-], never
	// a 64-hex string) to the peer's pubkey hex.
	Peers map[string]string `json:"peers"`

	// TrustIntroductions controls whether an INTRODUCTION packet from the
	// peer under this alias is allowed to add entries to Peers
	// automatically.
	TrustIntroductions map[string]bool `json:"trustIntroductions"`

	// Whitelist, if non-empty, restricts which pubkeys MESSAGE / FILE_* /
	// INTRODUCTION packets are accepted from. Unset (empty) means accept
	// all.
	Whitelist []string `json:"whitelist"`

	// ACKTimeoutSeconds bounds internal/session's per-message ACK wait.
	// Default 30s.
	ACKTimeoutSeconds int `json:"ackTimeoutSeconds"`

	// DataDir is the root directory for queue/, inbox/, drives/, media/,
	// transfers.json and introductions.json. Defaults to "." (the config
	// directory itself).
	DataDir string `json:"dataDir"`

	// MediaDir is where outgoing attachments are read from and incoming
	// ones are written to. Defaults to "<dataDir>/media" when empty.
	MediaDir string `json:"mediaDir"`

	// DirectoryURL, if set, is the base URL of the external
	// username->pubkey directory service. Empty means recipient
	// resolution is alias-only.
	DirectoryURL string `json:"directoryUrl"`

	// ListenAddrs are the multiaddrs the primary overlay instance listens
	// on. Empty means let libp2p pick ephemeral addresses on all
	// interfaces, which is fine for a peer that only ever dials out via
	// DHT-discovered addresses.
	ListenAddrs []string `json:"listenAddrs"`
}

var defaultConfig = Config{
	SMTPPort:          2525,
	POP3Port:          2110,
	HTTPPort:          8080,
	ACKTimeoutSeconds: 30,
	DataDir:           ".",
}

// Load reads and validates the config at path.
func Load(path string) (*Config, error) {
	c := defaultConfig
	c.Peers = map[string]string{}
	c.TrustIntroductions = map[string]bool{}

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config at %q: %v", path, err)
	}

	if err := json.Unmarshal(buf, &c); err != nil {
		return nil, fmt.Errorf("parsing config %q: %v", path, err)
	}

	if err := validate(&c); err != nil {
		return nil, err
	}

	return &c, nil
}

func validate(c *Config) error {
	for alias, pubkey := range c.Peers {
		if !aliasRe.MatchString(alias) {
			return fmt.Errorf("invalid peer alias %q: must match %s", alias, aliasRe)
		}
		if hexPubkeyRe.MatchString(alias) {
			return fmt.Errorf("invalid peer alias %q: aliases may not look like a pubkey", alias)
		}
		if !hexPubkeyRe.MatchString(pubkey) {
			return fmt.Errorf("invalid pubkey for peer %q: %q is not 64 lowercase hex chars", alias, pubkey)
		}
	}
	for alias := range c.TrustIntroductions {
		if _, ok := c.Peers[alias]; !ok {
			return fmt.Errorf("trustIntroductions references unknown alias %q", alias)
		}
	}
	if c.ACKTimeoutSeconds <= 0 {
		return fmt.Errorf("ackTimeoutSeconds must be positive, got %d", c.ACKTimeoutSeconds)
	}
	return nil
}

// ACKTimeout is the Go duration form of ACKTimeoutSeconds.
func (c *Config) ACKTimeout() time.Duration {
	return time.Duration(c.ACKTimeoutSeconds) * time.Second
}

// LogConfig prints a summary of the loaded configuration at startup.
func LogConfig(c *Config) {
	log.Infof("Configuration:")
	log.Infof("  Username: %s", c.Username)
	log.Infof("  Data dir: %s", c.DataDir)
	log.Infof("  Ports: smtp=%d pop3=%d http=%d", c.SMTPPort, c.POP3Port, c.HTTPPort)
	log.Infof("  Peers: %d configured", len(c.Peers))
	log.Infof("  Whitelist: %d entries (empty means accept all)", len(c.Whitelist))
	log.Infof("  ACK timeout: %s", c.ACKTimeout())
	if c.DirectoryURL != "" {
		log.Infof("  Directory: %s", c.DirectoryURL)
	} else {
		log.Infof("  Directory: none (alias-only resolution)")
	}
}

// MediaPath returns the resolved media directory, defaulting to
// "<dataDir>/media" when MediaDir is unset.
func (c *Config) MediaPath() string {
	if c.MediaDir != "" {
		return c.MediaDir
	}
	return c.DataDir + "/media"
}
