// Package address parses quince's user@<pubkey-hex|alias>.quincemail.com
// addressing scheme.
package address

import (
	"fmt"
	"regexp"
	"strings"
)

const domainSuffix = ".quincemail.com"
const bareDomain = "quincemail.com"

var pubkeyRe = regexp.MustCompile(`^[a-f0-9]{64}$`)
var aliasRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,32}$`)

// Address is a parsed quince address. Exactly one of Pubkey or Alias is
// set, unless the address had no subdomain at all (legacy gateway email),
// in which case Parse reports ok as false.
type Address struct {
	Username string
	Pubkey   string // lowercase hex, set when the subdomain is a pubkey
	Alias    string // set when the subdomain is a local alias
}

// HasPubkey reports whether the address resolved directly to a pubkey
// (no alias lookup needed).
func (a Address) HasPubkey() bool { return a.Pubkey != "" }

// Parse splits addr into username and subdomain, classifying the
// subdomain as a pubkey or an alias.
//
// "alice@aaaa...aaaa.quincemail.com" (64 hex chars) parses to
// {Username: "alice", Pubkey: "aaaa...aaaa"}.
// "alice@myalias.quincemail.com" parses to
// {Username: "alice", Alias: "myalias"}.
// "alice@quincemail.com" (no subdomain) returns ok=false: legacy gateway
// email never resolves to a peer.
func Parse(addr string) (a Address, ok bool) {
	addr = strings.ToLower(strings.TrimSpace(addr))

	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return Address{}, false
	}
	user, domain := addr[:at], addr[at+1:]
	if user == "" || domain == "" {
		return Address{}, false
	}

	if domain == bareDomain {
		// Legacy "user@quincemail.com" with no subdomain: no match.
		return Address{}, false
	}

	if !strings.HasSuffix(domain, domainSuffix) {
		return Address{}, false
	}
	sub := strings.TrimSuffix(domain, domainSuffix)
	if sub == "" {
		return Address{}, false
	}

	if pubkeyRe.MatchString(sub) {
		return Address{Username: user, Pubkey: sub}, true
	}

	if !aliasRe.MatchString(sub) {
		return Address{}, false
	}

	return Address{Username: user, Alias: sub}, true
}

// Format builds the canonical address string for a pubkey-addressed
// identity.
func Format(username, pubkeyHex string) string {
	return fmt.Sprintf("%s@%s%s", username, pubkeyHex, domainSuffix)
}

// FormatAlias builds the canonical address string for an alias-addressed
// identity (local display purposes only; the wire identity is always the
// pubkey the alias resolves to).
func FormatAlias(username, alias string) string {
	return fmt.Sprintf("%s@%s%s", username, alias, domainSuffix)
}

// IsAlias reports whether s is a syntactically valid peer alias: up to
// 32 chars of [A-Za-z0-9._-], and not something that reads as a pubkey.
func IsAlias(s string) bool {
	return aliasRe.MatchString(s) && !pubkeyRe.MatchString(s)
}

// IsPubkeyHex reports whether s is a syntactically valid lowercase-hex
// Ed25519 public key.
func IsPubkeyHex(s string) bool {
	return pubkeyRe.MatchString(s)
}
