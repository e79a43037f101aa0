package guestos

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/vmi"
)

// ErrUnknownMember is returned for structures or members missing from a
// kernel profile.
var ErrUnknownMember = errors.New("unknown kernel structure member")

// Profile is a kernel symbol profile in the volatility intermediate
// symbol format. Only type layouts and symbol addresses are used.
type Profile struct {
	UserTypes map[string]profileType   `json:"user_types"`
	Symbols   map[string]profileSymbol `json:"symbols"`
}

type profileType struct {
	Size   uint64                  `json:"size"`
	Fields map[string]profileField `json:"fields"`
}

type profileField struct {
	Offset uint64           `json:"offset"`
	Type   profileFieldType `json:"type"`
}

type profileFieldType struct {
	Kind        string `json:"kind"`
	BitPosition uint   `json:"bit_position"`
	BitLength   uint   `json:"bit_length"`
}

type profileSymbol struct {
	Address uint64 `json:"address"`
}

// LoadProfile reads a profile from a JSON file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read kernel profile: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile parses a JSON profile.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unable to decode kernel profile: %w", err)
	}
	if len(p.UserTypes) == 0 {
		return nil, errors.New("kernel profile contains no types")
	}
	return &p, nil
}

func (p *Profile) field(structName, member string) (profileField, error) {
	t, ok := p.UserTypes[structName]
	if !ok {
		return profileField{}, fmt.Errorf("%w: %s", ErrUnknownMember, structName)
	}
	f, ok := t.Fields[member]
	if !ok {
		return profileField{}, fmt.Errorf("%w: %s.%s", ErrUnknownMember, structName, member)
	}
	return f, nil
}

// Has reports whether structName has a member called member.
func (p *Profile) Has(structName, member string) bool {
	_, err := p.field(structName, member)
	return err == nil
}

// Offset returns the byte offset of member inside structName.
func (p *Profile) Offset(structName, member string) (uint64, error) {
	f, err := p.field(structName, member)
	return f.Offset, err
}

// Size returns the size of structName in bytes.
func (p *Profile) Size(structName string) (uint64, error) {
	t, ok := p.UserTypes[structName]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownMember, structName)
	}
	return t.Size, nil
}

// Bitfield returns the location of a bitfield member.
func (p *Profile) Bitfield(structName, member string) (Bitfield, error) {
	f, err := p.field(structName, member)
	if err != nil {
		return Bitfield{}, err
	}
	if f.Type.Kind != "bitfield" {
		return Bitfield{}, fmt.Errorf("%s.%s is a %q, not a bitfield", structName, member, f.Type.Kind)
	}
	size, err := p.Size(structName)
	if err != nil {
		return Bitfield{}, err
	}
	return Bitfield{
		Offset:    f.Offset,
		Size:      size,
		StartBit:  f.Type.BitPosition,
		EndBit:    f.Type.BitPosition + f.Type.BitLength,
		container: structName,
	}, nil
}

// Symbol returns the address of a kernel symbol relative to the kernel
// base.
func (p *Profile) Symbol(name string) (uint64, error) {
	s, ok := p.Symbols[name]
	if !ok {
		return 0, &vmi.SymbolError{Symbol: name, Err: ErrUnknownMember}
	}
	return s.Address, nil
}

// Resolver resolves several offsets and remembers the first failure, so
// that layouts can be filled without checking every lookup.
type Resolver struct {
	profile *Profile
	err     error
}

// NewResolver returns a Resolver over p.
func NewResolver(p *Profile) *Resolver {
	return &Resolver{profile: p}
}

func (r *Resolver) Offset(structName, member string) uint64 {
	if r.err != nil {
		return 0
	}
	off, err := r.profile.Offset(structName, member)
	r.err = err
	return off
}

func (r *Resolver) Size(structName string) uint64 {
	if r.err != nil {
		return 0
	}
	size, err := r.profile.Size(structName)
	r.err = err
	return size
}

func (r *Resolver) Bitfield(structName, member string) Bitfield {
	if r.err != nil {
		return Bitfield{}
	}
	bf, err := r.profile.Bitfield(structName, member)
	r.err = err
	return bf
}

// Err returns the first lookup error.
func (r *Resolver) Err() error {
	return r.err
}
