package packet

import "testing"

func TestParseDispatchesEachType(t *testing.T) {
	cases := []struct {
		line string
		want Type
	}{
		{`{"type":"IDENTIFY","publicKey":"aa"}`, TypeIdentify},
		{`{"type":"MESSAGE","id":"1","from":"a","mime":"m"}`, TypeMessage},
		{`{"type":"ACK","id":"1"}`, TypeAck},
		{`{"type":"STATUS","status":"available"}`, TypeStatus},
		{`{"type":"INTRODUCTION","introduced":{"pubkey":"bb"},"signature":"cc"}`, TypeIntroduction},
		{`{"type":"FILE_REQUEST","messageId":"1","files":[{"name":"a.txt"}]}`, TypeFileRequest},
		{`{"type":"FILE_OFFER","messageId":"1","driveKey":"dd","files":[]}`, TypeFileOffer},
		{`{"type":"FILE_COMPLETE","messageId":"1"}`, TypeFileComplete},
	}

	for _, c := range cases {
		p, err := Parse([]byte(c.line))
		if err != nil {
			t.Errorf("Parse(%q): %v", c.line, err)
			continue
		}
		gotType := packetType(t, p)
		if gotType != c.want {
			t.Errorf("Parse(%q) type = %v, want %v", c.line, gotType, c.want)
		}
	}
}

func packetType(t *testing.T, p interface{}) Type {
	t.Helper()
	switch v := p.(type) {
	case Identify:
		return v.Type
	case Message:
		return v.Type
	case Ack:
		return v.Type
	case StatusPacket:
		return v.Type
	case Introduction:
		return v.Type
	case FileRequest:
		return v.Type
	case FileOffer:
		return v.Type
	case FileComplete:
		return v.Type
	default:
		t.Fatalf("unexpected packet type %T", p)
		return ""
	}
}

func TestParseMalformedJSON(t *testing.T) {
	if _, err := Parse([]byte(`not json`)); err == nil {
		t.Error("Parse accepted malformed JSON")
	}
}

func TestParseUnknownType(t *testing.T) {
	if _, err := Parse([]byte(`{"type":"BOGUS"}`)); err == nil {
		t.Error("Parse accepted an unknown packet type")
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	ack := Ack{Type: TypeAck, ID: "abc123"}
	buf, err := Encode(ack)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if buf[len(buf)-1] != '\n' {
		t.Fatalf("Encode did not newline-terminate: %q", buf)
	}

	got, err := Parse(buf[:len(buf)-1])
	if err != nil {
		t.Fatalf("Parse(Encode(ack)): %v", err)
	}
	gotAck, ok := got.(Ack)
	if !ok || gotAck.ID != "abc123" {
		t.Errorf("round trip mismatch: %+v", got)
	}
}
