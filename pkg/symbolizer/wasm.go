package symbolizer

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"

	"github.com/dennwc/varint"
	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
)

// CodeSectionName is the name given to the wasm code section. DWARF
// addresses in a wasm module are relative to the start of its payload.
const CodeSectionName = "<code>"

const (
	wasmVersion    = 1
	maxLEB128U32   = 5
	customSection  = 0
	zdebugPrefix   = ".zdebug_"
	debugPrefix    = ".debug_"
	zlibHeaderSize = 12

	maxInflatedSize = 1 << 30
)

var wasmMagic = []byte{0x00, 'a', 's', 'm'}

var standardSectionNames = [...]string{
	1:  "<type>",
	2:  "<import>",
	3:  "<function>",
	4:  "<table>",
	5:  "<memory>",
	6:  "<global>",
	7:  "<export>",
	8:  "<start>",
	9:  "<element>",
	10: CodeSectionName,
	11: "<data>",
	12: "<data_count>",
	13: "<tag>",
}

// Section is a named byte range of the module image.
type Section struct {
	Name string
	ID   byte
	// Offset and Size delimit the section payload in the image. For custom
	// sections the payload starts after the embedded name.
	Offset     int64
	Size       int64
	Compressed bool

	r io.ReaderAt
}

// Data copies the raw bytes of the section out of the image.
func (s *Section) Data() ([]byte, error) {
	data := make([]byte, s.Size)
	if s.Size == 0 {
		return data, nil
	}
	if err := readFullAt(s.r, data, s.Offset); err != nil {
		return nil, errors.Wrapf(err, "read section %s at %d", s.Name, s.Offset)
	}
	return data, nil
}

// UncompressedData returns the section contents, inflating GNU-style
// ".zdebug_" sections. The second return value reports whether the data
// had to be decompressed.
func (s *Section) UncompressedData() ([]byte, bool, error) {
	data, err := s.Data()
	if err != nil {
		return nil, false, err
	}
	if !s.Compressed {
		return data, false, nil
	}
	if len(data) < zlibHeaderSize || string(data[:4]) != "ZLIB" {
		return nil, false, errors.Errorf("section %s: missing ZLIB header", s.Name)
	}
	size := binary.BigEndian.Uint64(data[4:zlibHeaderSize])
	if size > maxInflatedSize {
		return nil, false, errors.Errorf("section %s: inflated size %d too large", s.Name, size)
	}
	zr, err := zlib.NewReader(bytes.NewReader(data[zlibHeaderSize:]))
	if err != nil {
		return nil, false, errors.Wrapf(err, "section %s", s.Name)
	}
	defer zr.Close()
	out := make([]byte, size)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, false, errors.Wrapf(err, "inflate section %s", s.Name)
	}
	return out, true, nil
}

// Module is the section table of a wasm binary.
type Module struct {
	size     int64
	sections []*Section
}

// ParseModule walks the section headers of the wasm binary read through r.
// Section payloads are not read.
func ParseModule(r io.ReaderAt, size int64) (*Module, error) {
	var header [8]byte
	if err := readFullAt(r, header[:], 0); err != nil {
		return nil, wrapError(KindParse, err, "read wasm header")
	}
	if !bytes.Equal(header[:4], wasmMagic) {
		return nil, newError(KindParse, "invalid wasm magic")
	}
	if v := binary.LittleEndian.Uint32(header[4:]); v != wasmVersion {
		return nil, wrapError(KindParse, errors.Errorf("version %d", v), "unsupported wasm version")
	}

	m := &Module{size: size}
	off := int64(len(header))
	for off < size {
		sec, next, err := parseSection(r, off, size)
		if err != nil {
			return nil, wrapError(KindParse, err, "parse wasm section")
		}
		sec.r = r
		m.sections = append(m.sections, sec)
		off = next
	}
	return m, nil
}

func parseSection(r io.ReaderAt, off, size int64) (*Section, int64, error) {
	var id [1]byte
	if err := readFullAt(r, id[:], off); err != nil {
		return nil, 0, errors.Wrapf(err, "read section id at %d", off)
	}
	if int(id[0]) >= len(standardSectionNames) {
		return nil, 0, errors.Errorf("invalid section id %d at %d", id[0], off)
	}
	payloadSize, n, err := readU32(r, off+1, size)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "read section size at %d", off+1)
	}
	start := off + 1 + int64(n)
	end := start + int64(payloadSize)
	if end > size {
		return nil, 0, errors.Errorf("section %d at %d extends past end of module (%d > %d)", id[0], off, end, size)
	}

	sec := &Section{ID: id[0], Offset: start, Size: end - start}
	if id[0] != customSection {
		sec.Name = standardSectionNames[id[0]]
		return sec, end, nil
	}

	nameLen, n, err := readU32(r, start, end)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "read custom section name at %d", start)
	}
	nameStart := start + int64(n)
	if nameStart+int64(nameLen) > end {
		return nil, 0, errors.Errorf("custom section name at %d overflows section", nameStart)
	}
	name := make([]byte, nameLen)
	if err := readFullAt(r, name, nameStart); err != nil {
		return nil, 0, errors.Wrapf(err, "read custom section name at %d", nameStart)
	}
	sec.Name = string(name)
	sec.Offset = nameStart + int64(nameLen)
	sec.Size = end - sec.Offset
	sec.Compressed = strings.HasPrefix(sec.Name, zdebugPrefix)
	return sec, end, nil
}

// readU32 decodes an unsigned LEB128 value of at most 32 bits at off.
func readU32(r io.ReaderAt, off, limit int64) (uint32, int, error) {
	n := int64(maxLEB128U32)
	if rest := limit - off; rest < n {
		n = rest
	}
	if n <= 0 {
		return 0, 0, io.ErrUnexpectedEOF
	}
	buf := make([]byte, n)
	if err := readFullAt(r, buf, off); err != nil {
		return 0, 0, err
	}
	v, m := varint.Uvarint(buf)
	if m <= 0 {
		return 0, 0, errors.New("malformed LEB128")
	}
	if v > 0xffffffff {
		return 0, 0, errors.Errorf("LEB128 value %d overflows u32", v)
	}
	return uint32(v), m, nil
}

func readFullAt(r io.ReaderAt, p []byte, off int64) error {
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// Size is the length of the module image in bytes.
func (m *Module) Size() int64 { return m.size }

// Sections returns the sections in file order.
func (m *Module) Sections() []*Section { return m.sections }

// SectionByName returns the first section called name. A ".debug_*" lookup
// falls back to the compressed ".zdebug_*" spelling.
func (m *Module) SectionByName(name string) (*Section, bool) {
	for _, s := range m.sections {
		if s.Name == name {
			return s, true
		}
	}
	if strings.HasPrefix(name, debugPrefix) {
		alt := zdebugPrefix + strings.TrimPrefix(name, debugPrefix)
		for _, s := range m.sections {
			if s.Name == alt {
				return s, true
			}
		}
	}
	return nil, false
}

// CodeSectionOffset returns the file offset of the code section payload.
func (m *Module) CodeSectionOffset() (int64, error) {
	s, ok := m.SectionByName(CodeSectionName)
	if !ok {
		return 0, errCodeSectionNotFound
	}
	return s.Offset, nil
}
