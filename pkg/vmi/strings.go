package vmi

import (
	"encoding/binary"
	"unicode/utf16"
)

// maxStringLength bounds string reads from guest memory.
const maxStringLength = 4096

// ReadString reads a NUL terminated single byte string at va. Backends
// without a native string reader use it to implement StringExtractor.
func ReadString(r MemoryReader, va, dtb uint64) (string, error) {
	var out []byte
	for len(out) < maxStringLength {
		c, err := r.Read8VA(va+uint64(len(out)), dtb)
		if err != nil {
			return "", err
		}
		if c == 0 {
			break
		}
		out = append(out, c)
	}
	return string(out), nil
}

// ReadWString reads a NUL terminated UTF-16LE string at va.
func ReadWString(r MemoryReader, va, dtb uint64) (string, error) {
	var units []uint16
	buf := make([]byte, 2)
	for len(units) < maxStringLength {
		if err := r.ReadVA(va+uint64(2*len(units)), dtb, buf); err != nil {
			return "", err
		}
		u := binary.LittleEndian.Uint16(buf)
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units)), nil
}

// ReadUnicodeString reads a 64 bit Windows _UNICODE_STRING at va:
// Length (bytes) at +0, Buffer at +8.
func ReadUnicodeString(r MemoryReader, va, dtb uint64) (string, error) {
	hdr := make([]byte, 16)
	if err := r.ReadVA(va, dtb, hdr); err != nil {
		return "", err
	}
	length := binary.LittleEndian.Uint16(hdr[0:2])
	buffer := binary.LittleEndian.Uint64(hdr[8:16])
	if length == 0 || buffer == 0 {
		return "", nil
	}
	data := make([]byte, length&^1)
	if err := r.ReadVA(buffer, dtb, data); err != nil {
		return "", err
	}
	units := make([]uint16, len(data)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(data[2*i:])
	}
	return string(utf16.Decode(units)), nil
}
