// Package packet implements quince's wire packets: tagged,
// newline-terminated JSON objects, one per line. Dispatch is a single
// type switch over the eight variants, no reflection.
package packet

import (
	"bufio"
	"encoding/json"
	"fmt"
)

// Type is the wire tag carried by every packet.
type Type string

const (
	TypeIdentify     Type = "IDENTIFY"
	TypeMessage      Type = "MESSAGE"
	TypeAck          Type = "ACK"
	TypeStatus       Type = "STATUS"
	TypeIntroduction Type = "INTRODUCTION"
	TypeFileRequest  Type = "FILE_REQUEST"
	TypeFileOffer    Type = "FILE_OFFER"
	TypeFileComplete Type = "FILE_COMPLETE"
)

// Identify is the first packet sent/expected on every connection.
type Identify struct {
	Type         Type     `json:"type"`
	PublicKey    string   `json:"publicKey"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Message carries a signed MIME envelope over the wire. The mime field
// is the base64 encoding of the full signed MIME text, the same form the
// queue stores on disk.
type Message struct {
	Type Type   `json:"type"`
	ID   string `json:"id"`
	From string `json:"from"`
	Mime string `json:"mime"`
}

// Ack acknowledges a Message by id.
type Ack struct {
	Type Type   `json:"type"`
	ID   string `json:"id"`
}

// Status is broadcast on (re)connect and status changes.
type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusAway      Status = "away"
)

type StatusPacket struct {
	Type    Type   `json:"type"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// FileRef is the name-only entry of a FILE_REQUEST.
type FileRef struct {
	Name string `json:"name"`
}

// OfferedFile is a FILE_OFFER entry, naming a replicated blob.
type OfferedFile struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
	Hash string `json:"hash"`
}

// Introduced describes the peer being introduced by an INTRODUCTION packet.
type Introduced struct {
	Pubkey       string   `json:"pubkey"`
	Alias        string   `json:"alias,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Message      string   `json:"message,omitempty"`
}

type Introduction struct {
	Type       Type       `json:"type"`
	Introduced Introduced `json:"introduced"`
	Signature  string     `json:"signature"`
}

type FileRequest struct {
	Type      Type      `json:"type"`
	MessageID string    `json:"messageId"`
	Files     []FileRef `json:"files"`
}

type FileOffer struct {
	Type      Type          `json:"type"`
	MessageID string        `json:"messageId"`
	DriveKey  string        `json:"driveKey"`
	Files     []OfferedFile `json:"files"`
}

type FileComplete struct {
	Type      Type   `json:"type"`
	MessageID string `json:"messageId"`
}

// envelope is used only to sniff the "type" tag before dispatching to the
// concrete packet type.
type envelope struct {
	Type Type `json:"type"`
}

// Parse decodes a single line of wire JSON into its concrete packet type.
// It returns an error for malformed JSON or an unrecognized type, which
// callers should log and skip, never close the connection over.
func Parse(line []byte) (interface{}, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("malformed packet: %w", err)
	}

	switch env.Type {
	case TypeIdentify:
		var p Identify
		return decode(line, &p)
	case TypeMessage:
		var p Message
		return decode(line, &p)
	case TypeAck:
		var p Ack
		return decode(line, &p)
	case TypeStatus:
		var p StatusPacket
		return decode(line, &p)
	case TypeIntroduction:
		var p Introduction
		return decode(line, &p)
	case TypeFileRequest:
		var p FileRequest
		return decode(line, &p)
	case TypeFileOffer:
		var p FileOffer
		return decode(line, &p)
	case TypeFileComplete:
		var p FileComplete
		return decode(line, &p)
	default:
		return nil, fmt.Errorf("malformed packet: unknown type %q", env.Type)
	}
}

func decode[T any](line []byte, p *T) (interface{}, error) {
	if err := json.Unmarshal(line, p); err != nil {
		return nil, fmt.Errorf("malformed packet: %w", err)
	}
	return *p, nil
}

// Encode serializes a packet to a single newline-terminated JSON line.
func Encode(p interface{}) ([]byte, error) {
	buf, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return append(buf, '\n'), nil
}

// NewScanner returns a bufio.Scanner configured to split r on newlines.
// Lines are not length-prefixed, so consumers buffer raw bytes until a
// '\n' arrives.
func NewScanner(r interface {
	Read(p []byte) (n int, err error)
}) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return s
}
