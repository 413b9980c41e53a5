// Package swap holds the types shared by every role and component of a
// swap: the identifier, the cross-role shared parameters fixed by setup
// (§4.3), and amounts. It has no logic of its own beyond construction and
// (de)serialization; the protocol lives in protocol/seller, protocol/buyer
// and protocol/setup.
package swap

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Id is the opaque 128-bit swap identifier of §3.1, chosen by the Buyer at
// the start of setup and carried in every message and persisted row.
type Id [16]byte

// NewId generates a fresh random swap identifier.
func NewId() Id {
	return Id(uuid.New())
}

func (id Id) String() string {
	return uuid.UUID(id).String()
}

// ParseId parses a canonical UUID string into an Id.
func ParseId(s string) (Id, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Id{}, fmt.Errorf("swap: invalid swap id %q: %w", s, err)
	}
	return Id(u), nil
}

// MarshalBinary/UnmarshalBinary back the CBOR wire encoding used by
// swapnet/message: fxamacker/cbor prefers encoding.BinaryMarshaler over
// reflecting into the underlying [16]byte array.
func (id Id) MarshalBinary() ([]byte, error) {
	out := make([]byte, 16)
	copy(out, id[:])
	return out, nil
}

func (id *Id) UnmarshalBinary(b []byte) error {
	if len(b) != 16 {
		return fmt.Errorf("swap: invalid id length %d", len(b))
	}
	copy(id[:], b)
	return nil
}

func (id Id) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

func (id *Id) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseId(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
