package abi

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// GUID is a 128-bit interface or class identifier in the host's in-memory
// layout. Data1..Data3 are native integers; Data4 is raw bytes.
type GUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

// ParseGUID accepts the canonical textual forms understood by uuid.Parse,
// with or without surrounding braces.
func ParseGUID(s string) (GUID, error) {
	s = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(s), "{"), "}")
	u, err := uuid.Parse(s)
	if err != nil {
		return GUID{}, fmt.Errorf("abi: parse guid %q: %w", s, err)
	}
	return FromUUID(u), nil
}

func MustParseGUID(s string) GUID {
	g, err := ParseGUID(s)
	if err != nil {
		panic(err)
	}
	return g
}

// FromUUID converts RFC 4122 byte order into the GUID field layout.
func FromUUID(u uuid.UUID) GUID {
	var g GUID
	g.Data1 = binary.BigEndian.Uint32(u[0:4])
	g.Data2 = binary.BigEndian.Uint16(u[4:6])
	g.Data3 = binary.BigEndian.Uint16(u[6:8])
	copy(g.Data4[:], u[8:16])
	return g
}

func (g GUID) UUID() uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint32(u[0:4], g.Data1)
	binary.BigEndian.PutUint16(u[4:6], g.Data2)
	binary.BigEndian.PutUint16(u[6:8], g.Data3)
	copy(u[8:16], g.Data4[:])
	return u
}

// String renders the registry form, upper case without braces.
func (g GUID) String() string {
	return strings.ToUpper(g.UUID().String())
}

func (g GUID) IsZero() bool {
	return g == GUID{}
}
