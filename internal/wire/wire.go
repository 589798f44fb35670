// Package wire implements the gossip wire protocol: a length-prefixed,
// CBOR-encoded envelope shared by Hello/Goodbye
// membership messages, Want, and Have. Framing uses go-msgio, the same
// length-prefixing library libp2p's own stream protocols build on, so the
// overlay's streams nest naturally under a libp2p protocol ID.
package wire

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-msgio"
)

// ProtocolVersion is the single transaction-version byte sent once at
// connect; a peer speaking a different version is disconnected before
// any frame is exchanged.
const ProtocolVersion byte = 1

// Kind discriminates a Message's payload.
type Kind uint8

const (
	KindHello Kind = iota
	KindGoodbye
	KindWant
	KindHave
)

// PeerInfo is the provider descriptor carried in a Have message.
type PeerInfo struct {
	PeerID          string   `cbor:"peer_id"`
	AdvertisedAddrs []string `cbor:"advertised_addrs"`
	SeenAddrs       []string `cbor:"seen_addrs"`
	Capabilities    []string `cbor:"capabilities"`
}

// Message is the single envelope shape every gossip frame uses: {urn,
// origin, rev}, with Kind selecting which fields are meaningful. Have
// frames carry both the ref name (Rev) and the object id it points at
// (Oid), so receivers learn the tip without a fetch round-trip.
type Message struct {
	Kind     Kind      `cbor:"kind"`
	URN      string    `cbor:"urn"`
	Origin   string    `cbor:"origin,omitempty"`
	Rev      string    `cbor:"rev,omitempty"`
	Oid      string    `cbor:"oid,omitempty"`
	Provider *PeerInfo `cbor:"provider,omitempty"`
}

// WriteVersion writes the single transaction-version byte expected once
// at connect.
func WriteVersion(w io.Writer) error {
	_, err := w.Write([]byte{ProtocolVersion})
	return err
}

// ReadVersion reads and validates the transaction-version byte.
func ReadVersion(r io.Reader) error {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return fmt.Errorf("wire: read version: %w", err)
	}
	if buf[0] != ProtocolVersion {
		return fmt.Errorf("wire: unsupported protocol version %d", buf[0])
	}
	return nil
}

// Writer sends length-prefixed, CBOR-encoded Messages over an underlying
// byte stream.
type Writer struct {
	w msgio.WriteCloser
}

// NewWriter wraps w with msgio varint-length-prefixed framing.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: msgio.NewVarintWriter(w)}
}

// WriteMsg encodes and sends one Message as a single frame.
func (w *Writer) WriteMsg(m Message) error {
	buf, err := cbor.Marshal(m)
	if err != nil {
		return fmt.Errorf("wire: marshal message: %w", err)
	}
	if err := w.w.WriteMsg(buf); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}

// Close releases the writer.
func (w *Writer) Close() error { return w.w.Close() }

// Reader receives length-prefixed, CBOR-encoded Messages from an
// underlying byte stream.
type Reader struct {
	r msgio.ReadCloser
}

// NewReader wraps r with msgio varint-length-prefixed framing.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: msgio.NewVarintReader(r)}
}

// ReadMsg blocks for the next frame and decodes it.
func (r *Reader) ReadMsg() (Message, error) {
	buf, err := r.r.ReadMsg()
	if err != nil {
		return Message{}, fmt.Errorf("wire: read frame: %w", err)
	}
	defer r.r.ReleaseMsg(buf)

	var m Message
	if err := cbor.Unmarshal(buf, &m); err != nil {
		return Message{}, fmt.Errorf("wire: unmarshal message: %w", err)
	}
	return m, nil
}

// Close releases the reader's frame buffer pool.
func (r *Reader) Close() error { return r.r.Close() }
