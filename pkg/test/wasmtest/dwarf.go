package wasmtest

import (
	"bytes"
	"encoding/binary"
)

const (
	tagCompileUnit       = 0x11
	tagSubprogram        = 0x2e
	tagInlinedSubroutine = 0x1d

	attrName           = 0x03
	attrStmtList       = 0x10
	attrLowPC          = 0x11
	attrHighPC         = 0x12
	attrLanguage       = 0x13
	attrCompDir        = 0x1b
	attrProducer       = 0x25
	attrInline         = 0x20
	attrAbstractOrigin = 0x31
	attrCallColumn     = 0x57
	attrCallFile       = 0x58
	attrCallLine       = 0x59
	attrLinkageName    = 0x6e
	attrGNUDwoName     = 0x2130

	formAddr      = 0x01
	formData2     = 0x05
	formData4     = 0x06
	formString    = 0x08
	formData1     = 0x0b
	formRef4      = 0x13
	formSecOffset = 0x17

	langRust = 0x1c
)

const (
	abbrevUnitWithRange = iota + 1
	abbrevUnit
	abbrevSkeletonUnit
	abbrevSubprogram
	abbrevSubprogramLinkage
	abbrevAbstract
	abbrevAbstractLinkage
	abbrevInlined
)

type abbrev struct {
	code     int
	tag      int
	children bool
	attrs    [][2]int
}

var abbrevs = []abbrev{
	{abbrevUnitWithRange, tagCompileUnit, true, [][2]int{
		{attrProducer, formString}, {attrLanguage, formData2}, {attrName, formString},
		{attrCompDir, formString}, {attrStmtList, formSecOffset}, {attrLowPC, formAddr}, {attrHighPC, formData4},
	}},
	{abbrevUnit, tagCompileUnit, true, [][2]int{
		{attrProducer, formString}, {attrLanguage, formData2}, {attrName, formString},
		{attrCompDir, formString}, {attrStmtList, formSecOffset},
	}},
	{abbrevSkeletonUnit, tagCompileUnit, false, [][2]int{
		{attrName, formString}, {attrGNUDwoName, formString}, {attrLowPC, formAddr}, {attrHighPC, formData4},
	}},
	{abbrevSubprogram, tagSubprogram, true, [][2]int{
		{attrLowPC, formAddr}, {attrHighPC, formData4}, {attrName, formString},
	}},
	{abbrevSubprogramLinkage, tagSubprogram, true, [][2]int{
		{attrLowPC, formAddr}, {attrHighPC, formData4}, {attrLinkageName, formString}, {attrName, formString},
	}},
	{abbrevAbstract, tagSubprogram, false, [][2]int{
		{attrName, formString}, {attrInline, formData1},
	}},
	{abbrevAbstractLinkage, tagSubprogram, false, [][2]int{
		{attrLinkageName, formString}, {attrName, formString}, {attrInline, formData1},
	}},
	{abbrevInlined, tagInlinedSubroutine, true, [][2]int{
		{attrAbstractOrigin, formRef4}, {attrLowPC, formAddr}, {attrHighPC, formData4},
		{attrCallFile, formData1}, {attrCallLine, formData2}, {attrCallColumn, formData1},
	}},
}

// DWARF encodes units as DWARF 4 sections with 4-byte addresses, keyed by
// section name.
func DWARF(units []Unit) map[string][]byte {
	var info, line bytes.Buffer
	for _, u := range units {
		stmtList := uint32(line.Len())
		line.Write(lineProgram(u))
		info.Write(infoUnit(u, stmtList))
	}
	return map[string][]byte{
		".debug_abbrev": abbrevTable(),
		".debug_info":   info.Bytes(),
		".debug_line":   line.Bytes(),
	}
}

func abbrevTable() []byte {
	var b bytes.Buffer
	for _, a := range abbrevs {
		b.Write(uleb(uint64(a.code)))
		b.Write(uleb(uint64(a.tag)))
		if a.children {
			b.WriteByte(1)
		} else {
			b.WriteByte(0)
		}
		for _, attr := range a.attrs {
			b.Write(uleb(uint64(attr[0])))
			b.Write(uleb(uint64(attr[1])))
		}
		b.Write([]byte{0, 0})
	}
	b.WriteByte(0)
	return b.Bytes()
}

// unitHeaderSize is the size of a 32-bit DWARF 4 unit header; DIE
// references are relative to the start of that header.
const unitHeaderSize = 11

type dieWriter struct {
	bytes.Buffer
	origins map[[2]string]uint32
}

func (w *dieWriter) ref() uint32 { return uint32(unitHeaderSize + w.Len()) }

func (w *dieWriter) str(s string) {
	w.WriteString(s)
	w.WriteByte(0)
}

func (w *dieWriter) u8(v int) { w.WriteByte(byte(v)) }

func (w *dieWriter) u16(v int) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(v))
	w.Write(b[:])
}

func (w *dieWriter) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func infoUnit(u Unit, stmtList uint32) []byte {
	w := &dieWriter{origins: map[[2]string]uint32{}}
	switch {
	case u.DwoName != "":
		w.Write(uleb(abbrevSkeletonUnit))
		w.str(u.Name)
		w.str(u.DwoName)
		w.u32(u.Low)
		w.u32(u.High - u.Low)
	default:
		if u.High != 0 {
			w.Write(uleb(abbrevUnitWithRange))
		} else {
			w.Write(uleb(abbrevUnit))
		}
		w.str("wasmtest")
		w.u16(langRust)
		w.str(u.Name)
		w.str(u.CompDir)
		w.u32(stmtList)
		if u.High != 0 {
			w.u32(u.Low)
			w.u32(u.High - u.Low)
		}
		for _, f := range u.Functions {
			w.abstractOrigins(f.Inlined)
		}
		for _, f := range u.Functions {
			if f.LinkageName != "" {
				w.Write(uleb(abbrevSubprogramLinkage))
				w.u32(f.Low)
				w.u32(f.High - f.Low)
				w.str(f.LinkageName)
				w.str(f.Name)
			} else {
				w.Write(uleb(abbrevSubprogram))
				w.u32(f.Low)
				w.u32(f.High - f.Low)
				w.str(f.Name)
			}
			w.inlined(f.Inlined)
			w.WriteByte(0)
		}
		w.WriteByte(0)
	}

	var out bytes.Buffer
	var hdr [unitHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(unitHeaderSize-4+w.Len()))
	binary.LittleEndian.PutUint16(hdr[4:], 4)
	binary.LittleEndian.PutUint32(hdr[6:], 0)
	hdr[10] = 4
	out.Write(hdr[:])
	out.Write(w.Bytes())
	return out.Bytes()
}

func (w *dieWriter) abstractOrigins(inl []Inlined) {
	for _, in := range inl {
		key := [2]string{in.Name, in.LinkageName}
		if _, ok := w.origins[key]; !ok {
			w.origins[key] = w.ref()
			if in.LinkageName != "" {
				w.Write(uleb(abbrevAbstractLinkage))
				w.str(in.LinkageName)
			} else {
				w.Write(uleb(abbrevAbstract))
			}
			w.str(in.Name)
			w.u8(1) // DW_INL_inlined
		}
		w.abstractOrigins(in.Inlined)
	}
}

func (w *dieWriter) inlined(inl []Inlined) {
	for _, in := range inl {
		w.Write(uleb(abbrevInlined))
		w.u32(w.origins[[2]string{in.Name, in.LinkageName}])
		w.u32(in.Low)
		w.u32(in.High - in.Low)
		w.u8(in.CallFile)
		w.u16(in.CallLine)
		w.u8(in.CallColumn)
		w.inlined(in.Inlined)
		w.WriteByte(0)
	}
}

func lineProgram(u Unit) []byte {
	var hdr bytes.Buffer
	hdr.WriteByte(1)    // minimum_instruction_length
	hdr.WriteByte(1)    // maximum_operations_per_instruction
	hdr.WriteByte(1)    // default_is_stmt
	hdr.WriteByte(0xfb) // line_base -5
	hdr.WriteByte(14)   // line_range
	hdr.WriteByte(13)   // opcode_base
	hdr.Write([]byte{0, 1, 1, 1, 1, 0, 0, 0, 1, 0, 0, 1})
	hdr.WriteByte(0) // no include_directories
	for _, f := range u.Files {
		hdr.WriteString(f)
		hdr.WriteByte(0)
		hdr.Write([]byte{0, 0, 0})
	}
	hdr.WriteByte(0)

	var prog bytes.Buffer
	setAddress := func(addr uint32) {
		prog.Write([]byte{0x00, 5, 0x02})
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], addr)
		prog.Write(b[:])
	}
	file, line := 1, 1
	for _, r := range u.Rows {
		if r.File != 0 && r.File != file {
			prog.WriteByte(0x04) // DW_LNS_set_file
			prog.Write(uleb(uint64(r.File)))
			file = r.File
		}
		setAddress(r.Address)
		if r.Line != line {
			prog.WriteByte(0x03) // DW_LNS_advance_line
			prog.Write(sleb(int64(r.Line - line)))
			line = r.Line
		}
		prog.WriteByte(0x05) // DW_LNS_set_column
		prog.Write(uleb(uint64(r.Column)))
		prog.WriteByte(0x01) // DW_LNS_copy
	}
	if len(u.Rows) > 0 {
		setAddress(u.End)
		prog.Write([]byte{0x00, 1, 0x01}) // DW_LNE_end_sequence
	}

	var out bytes.Buffer
	var b4 [4]byte
	// unit_length covers version(2) + header_length(4) + header + program.
	binary.LittleEndian.PutUint32(b4[:], uint32(2+4+hdr.Len()+prog.Len()))
	out.Write(b4[:])
	out.Write([]byte{4, 0})
	binary.LittleEndian.PutUint32(b4[:], uint32(hdr.Len()))
	out.Write(b4[:])
	out.Write(hdr.Bytes())
	out.Write(prog.Bytes())
	return out.Bytes()
}
