// Package capdata implements the kernel's cross-vat value encoding from
// spec §8: a body string carrying the argument graph plus a parallel slot
// list of krefs/vrefs referenced from the body by index. The body is a
// JSON document; values the kernel needs to distinguish from plain JSON
// (slot references, bigints, errors, symbols, undefined) are tagged with
// an "@qclass" discriminator, following the same shape the teacher used
// for its typed config values but extended to the capdata value grammar.
package capdata

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/cuemby/ocapkernel/pkg/kernelerr"
	"github.com/cuemby/ocapkernel/pkg/types"
)

// Slot is a placeholder value that marshals to a reference into the
// CapData's Slots list rather than into the body inline.
type Slot struct {
	Ref types.Ref
}

// BigInt is an arbitrary-precision integer tagged value.
type BigInt struct {
	Value *big.Int
}

// Symbol is a named, non-string tagged value (e.g. a well-known method tag).
type Symbol struct {
	Name string
}

// Undefined is the tagged "no value" marker, distinct from JSON null.
type Undefined struct{}

// TaggedError carries an error's name and message across the wire; Cause,
// if present, nests another TaggedError or string message.
type TaggedError struct {
	Name    string
	Message string
	Cause   any
}

type wireTagged struct {
	QClass  string          `json:"@qclass"`
	Index   int             `json:"index,omitempty"`
	Digits  string          `json:"digits,omitempty"`
	Name    string          `json:"name,omitempty"`
	Message string          `json:"message,omitempty"`
	Cause   json.RawMessage `json:"cause,omitempty"`
}

// Marshal encodes value into a CapData: a JSON body with slot placeholders
// and the parallel slot list those placeholders index into.
func Marshal(value any) (types.CapData, error) {
	var slots []types.Ref
	body, err := marshalValue(value, &slots)
	if err != nil {
		return types.CapData{}, kernelerr.Wrap(kernelerr.InvalidEnvelope, "marshal capdata", err)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return types.CapData{}, kernelerr.Wrap(kernelerr.InvalidEnvelope, "encode capdata body", err)
	}
	if slots == nil {
		slots = []types.Ref{}
	}
	return types.CapData{Body: string(raw), Slots: slots}, nil
}

func marshalValue(value any, slots *[]types.Ref) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case Undefined:
		return wireTagged{QClass: "undefined"}, nil
	case Slot:
		idx := len(*slots)
		*slots = append(*slots, v.Ref)
		return wireTagged{QClass: "slot", Index: idx}, nil
	case types.Ref:
		idx := len(*slots)
		*slots = append(*slots, v)
		return wireTagged{QClass: "slot", Index: idx}, nil
	case BigInt:
		return wireTagged{QClass: "bigint", Digits: v.Value.String()}, nil
	case Symbol:
		return wireTagged{QClass: "symbol", Name: v.Name}, nil
	case TaggedError:
		w := wireTagged{QClass: "error", Name: v.Name, Message: v.Message}
		if v.Cause != nil {
			causeVal, err := marshalValue(v.Cause, slots)
			if err != nil {
				return nil, err
			}
			raw, err := json.Marshal(causeVal)
			if err != nil {
				return nil, err
			}
			w.Cause = raw
		}
		return w, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			enc, err := marshalValue(elem, slots)
			if err != nil {
				return nil, err
			}
			out[k] = enc
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			enc, err := marshalValue(elem, slots)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case string, bool, float64, int, int64, uint64:
		return v, nil
	default:
		return nil, fmt.Errorf("capdata: unmarshalable value type %T", value)
	}
}

// Unmarshal decodes a CapData back into plain Go values, resolving slot
// placeholders against cd.Slots by index.
func Unmarshal(cd types.CapData) (any, error) {
	var body any
	if err := json.Unmarshal([]byte(cd.Body), &body); err != nil {
		return nil, kernelerr.Wrap(kernelerr.InvalidEnvelope, "decode capdata body", err)
	}
	return unmarshalValue(body, cd.Slots)
}

func unmarshalValue(body any, slots []types.Ref) (any, error) {
	switch v := body.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if qclass, ok := v["@qclass"]; ok {
			return unmarshalTagged(qclass.(string), v, slots)
		}
		out := make(map[string]any, len(v))
		for k, elem := range v {
			dec, err := unmarshalValue(elem, slots)
			if err != nil {
				return nil, err
			}
			out[k] = dec
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			dec, err := unmarshalValue(elem, slots)
			if err != nil {
				return nil, err
			}
			out[i] = dec
		}
		return out, nil
	default:
		return v, nil
	}
}

func unmarshalTagged(qclass string, v map[string]any, slots []types.Ref) (any, error) {
	switch qclass {
	case "undefined":
		return Undefined{}, nil
	case "slot":
		idx := int(v["index"].(float64))
		if idx < 0 || idx >= len(slots) {
			return nil, kernelerr.New(kernelerr.InvalidEnvelope, fmt.Sprintf("slot index %d out of range", idx))
		}
		return Slot{Ref: slots[idx]}, nil
	case "bigint":
		digits, _ := v["digits"].(string)
		n, ok := new(big.Int).SetString(digits, 10)
		if !ok {
			return nil, kernelerr.New(kernelerr.InvalidEnvelope, fmt.Sprintf("invalid bigint digits %q", digits))
		}
		return BigInt{Value: n}, nil
	case "symbol":
		name, _ := v["name"].(string)
		return Symbol{Name: name}, nil
	case "error":
		te := TaggedError{}
		te.Name, _ = v["name"].(string)
		te.Message, _ = v["message"].(string)
		if rawCause, ok := v["cause"]; ok {
			causeDec, err := unmarshalValue(rawCause, slots)
			if err != nil {
				return nil, err
			}
			te.Cause = causeDec
		}
		return te, nil
	default:
		return nil, kernelerr.New(kernelerr.InvalidEnvelope, fmt.Sprintf("unknown @qclass %q", qclass))
	}
}
