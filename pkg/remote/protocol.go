package remote

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/cuemby/ocapkernel/pkg/types"
)

// deliverProtocol is the one substream protocol this package speaks.
const deliverProtocol protocol.ID = "/ocapkernel/deliver/1.0.0"

// maxEnvelopeSize guards a misbehaving peer from forcing an unbounded
// read; no single crank delivery comes close to this.
const maxEnvelopeSize = 16 << 20

// remoteDeliver is the envelope sent over the deliver protocol, carrying
// one inbound send and the incarnation the sender currently claims.
type remoteDeliver struct {
	From        string         `json:"from"`
	Incarnation uint64         `json:"incarnation"`
	Target      string         `json:"target"`
	Method      string         `json:"method"`
	Args        types.CapData  `json:"args"`
	ResultProm  string         `json:"resultPromise,omitempty"`
}

// writeEnvelope frames one JSON-encoded remoteDeliver with a 4-byte
// big-endian length prefix, the simplest reliable message boundary over
// a raw stream — libp2p substreams carry bytes, not messages.
func writeEnvelope(w io.Writer, d remoteDeliver) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal remote delivery: %w", err)
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("write envelope length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write envelope body: %w", err)
	}
	return nil
}

// readEnvelope blocks for exactly one length-prefixed remoteDeliver.
func readEnvelope(r io.Reader) (remoteDeliver, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return remoteDeliver{}, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxEnvelopeSize {
		return remoteDeliver{}, fmt.Errorf("remote delivery envelope too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return remoteDeliver{}, fmt.Errorf("read envelope body: %w", err)
	}
	var d remoteDeliver
	if err := json.Unmarshal(body, &d); err != nil {
		return remoteDeliver{}, fmt.Errorf("unmarshal remote delivery: %w", err)
	}
	return d, nil
}

// incarnationBumpEnvelope builds the dedicated control message (the same
// envelope shape, with an empty Target and Method) announcing a restart;
// a receiver recognizes it with isIncarnationBump, and handleEnvelope
// reconciles its incarnation (reconcileIncarnation) before dropping it.
func incarnationBumpEnvelope(from string, incarnation uint64) remoteDeliver {
	return remoteDeliver{From: from, Incarnation: incarnation}
}

func (d remoteDeliver) isIncarnationBump() bool {
	return d.Target == "" && d.Method == ""
}
