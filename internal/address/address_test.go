package address

import "testing"

func TestParsePubkey(t *testing.T) {
	pk := "aa000000000000000000000000000000000000000000000000000000000000aa"
	a, ok := Parse("alice@" + pk + ".quincemail.com")
	if !ok {
		t.Fatal("Parse reported not ok")
	}
	if a.Username != "alice" || a.Pubkey != pk || a.Alias != "" {
		t.Errorf("got %+v", a)
	}
}

func TestParseAlias(t *testing.T) {
	a, ok := Parse("alice@myalias.quincemail.com")
	if !ok {
		t.Fatal("Parse reported not ok")
	}
	if a.Username != "alice" || a.Alias != "myalias" || a.Pubkey != "" {
		t.Errorf("got %+v", a)
	}
}

func TestParseBareDomainNoMatch(t *testing.T) {
	_, ok := Parse("alice@quincemail.com")
	if ok {
		t.Error("Parse matched a bare domain with no subdomain")
	}
}

func TestParseRejectsOtherDomains(t *testing.T) {
	_, ok := Parse("alice@example.com")
	if ok {
		t.Error("Parse matched an unrelated domain")
	}
}

func TestParseCaseInsensitive(t *testing.T) {
	pk := "aa000000000000000000000000000000000000000000000000000000000000aa"
	a, ok := Parse("Alice@" + pk + ".QuinceMail.Com")
	if !ok || a.Pubkey != pk {
		t.Errorf("got %+v, ok=%v", a, ok)
	}
}

func TestIsAlias(t *testing.T) {
	if !IsAlias("my-alias.42") {
		t.Error("expected valid alias")
	}
	pk := "aa000000000000000000000000000000000000000000000000000000000000aa"
	if IsAlias(pk) {
		t.Error("a 64-hex string must not be accepted as an alias")
	}
	if IsAlias("bad alias") {
		t.Error("alias with a space should be rejected")
	}
}
