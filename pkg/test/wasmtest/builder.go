// Package wasmtest assembles small wasm modules carrying DWARF sections for
// symbolizer tests.
package wasmtest

import (
	"bytes"
	"encoding/binary"

	"github.com/klauspost/compress/zlib"
)

// Inlined describes a DW_TAG_inlined_subroutine. Functions with the same
// Name and LinkageName share one abstract DW_TAG_subprogram.
type Inlined struct {
	Name        string
	LinkageName string
	Low, High   uint32
	CallFile    int
	CallLine    int
	CallColumn  int
	Inlined     []Inlined
}

// Function describes a concrete DW_TAG_subprogram.
type Function struct {
	Name        string
	LinkageName string
	Low, High   uint32
	Inlined     []Inlined
}

// Row is one line table row. File is a 1-based index into Unit.Files.
type Row struct {
	Address uint32
	File    int
	Line    int
	Column  int
}

// Unit describes a compilation unit and its line program. Low and High set
// the unit range; with High == 0 the unit has no range attributes. Rows must
// be sorted by address; the sequence ends at End.
type Unit struct {
	Name      string
	CompDir   string
	Files     []string
	Functions []Function
	Rows      []Row
	End       uint32
	Low, High uint32
	// DwoName turns the unit into a skeleton pointing at split debug data.
	DwoName string
}

// Custom is a raw custom section.
type Custom struct {
	Name string
	Data []byte
}

// Module describes the wasm image to build.
type Module struct {
	// CodeSize is the size of the code section payload. Zero omits the code
	// section.
	CodeSize int
	Units    []Unit
	// CompressInfo stores .debug_info as a zlib ".zdebug_info" section.
	CompressInfo bool
	Custom       []Custom
}

// Build returns the wasm image and the file offset of the code section
// payload (-1 when there is none).
func (m Module) Build() ([]byte, int64) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00})

	// Empty type section.
	writeSection(&buf, 1, []byte{0x00})

	codeOffset := int64(-1)
	if m.CodeSize > 0 {
		payload := make([]byte, m.CodeSize)
		buf.WriteByte(10)
		buf.Write(uleb(uint64(len(payload))))
		codeOffset = int64(buf.Len())
		buf.Write(payload)
	}

	if len(m.Units) > 0 {
		sections := DWARF(m.Units)
		for _, name := range []string{".debug_abbrev", ".debug_info", ".debug_line"} {
			data := sections[name]
			if name == ".debug_info" && m.CompressInfo {
				writeCustom(&buf, ".zdebug_info", compress(data))
				continue
			}
			writeCustom(&buf, name, data)
		}
	}
	for _, c := range m.Custom {
		writeCustom(&buf, c.Name, c.Data)
	}
	return buf.Bytes(), codeOffset
}

func writeSection(buf *bytes.Buffer, id byte, payload []byte) {
	buf.WriteByte(id)
	buf.Write(uleb(uint64(len(payload))))
	buf.Write(payload)
}

func writeCustom(buf *bytes.Buffer, name string, data []byte) {
	var payload bytes.Buffer
	payload.Write(uleb(uint64(len(name))))
	payload.WriteString(name)
	payload.Write(data)
	writeSection(buf, 0, payload.Bytes())
}

func compress(data []byte) []byte {
	var out bytes.Buffer
	out.WriteString("ZLIB")
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(len(data)))
	out.Write(size[:])
	zw := zlib.NewWriter(&out)
	_, _ = zw.Write(data)
	_ = zw.Close()
	return out.Bytes()
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		out = append(out, b)
		if done {
			return out
		}
	}
}
