package symbolizer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/wasmsym/pkg/test/wasmtest"
)

func TestParseModule_Sections(t *testing.T) {
	img, codeOffset := wasmtest.Module{
		CodeSize: 0x90,
		Units:    []wasmtest.Unit{fixtureUnit()},
		Custom:   []wasmtest.Custom{{Name: "producers", Data: []byte("wasmtest")}},
	}.Build()

	m, err := ParseModule(bytes.NewReader(img), int64(len(img)))
	require.NoError(t, err)
	require.Equal(t, int64(len(img)), m.Size())

	var names []string
	for _, s := range m.Sections() {
		names = append(names, s.Name)
	}
	require.Equal(t, []string{"<type>", "<code>", ".debug_abbrev", ".debug_info", ".debug_line", "producers"}, names)

	offset, err := m.CodeSectionOffset()
	require.NoError(t, err)
	require.Equal(t, codeOffset, offset)

	code, ok := m.SectionByName(CodeSectionName)
	require.True(t, ok)
	require.Equal(t, byte(10), code.ID)
	require.Equal(t, int64(0x90), code.Size)

	producers, ok := m.SectionByName("producers")
	require.True(t, ok)
	data, err := producers.Data()
	require.NoError(t, err)
	require.Equal(t, []byte("wasmtest"), data)

	_, ok = m.SectionByName(".debug_str")
	require.False(t, ok)
}

func TestParseModule_CodeSectionNotFound(t *testing.T) {
	img, codeOffset := wasmtest.Module{}.Build()
	require.Equal(t, int64(-1), codeOffset)

	m, err := ParseModule(bytes.NewReader(img), int64(len(img)))
	require.NoError(t, err)
	_, err = m.CodeSectionOffset()
	require.EqualError(t, err, "Code section not found")
}

func TestParseModule_Malformed(t *testing.T) {
	valid, _ := wasmtest.Module{CodeSize: 4}.Build()

	tests := []struct {
		name string
		img  []byte
	}{
		{name: "empty", img: nil},
		{name: "short header", img: []byte{0x00, 'a', 's'}},
		{name: "bad magic", img: []byte{0x00, 'w', 'a', 't', 0x01, 0x00, 0x00, 0x00}},
		{name: "bad version", img: []byte{0x00, 'a', 's', 'm', 0x02, 0x00, 0x00, 0x00}},
		{name: "unknown section id", img: append(append([]byte{}, valid...), 0x7f, 0x00)},
		{name: "section past end", img: append(append([]byte{}, valid...), 0x01, 0x10, 0x00)},
		{name: "unterminated size", img: append(append([]byte{}, valid...), 0x01, 0x80, 0x80)},
		{name: "size overflows u32", img: append(append([]byte{}, valid...), 0x01, 0xff, 0xff, 0xff, 0xff, 0x7f)},
		{name: "custom name overflows section", img: append(append([]byte{}, valid...), 0x00, 0x02, 0x05, 'a')},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseModule(bytes.NewReader(tt.img), int64(len(tt.img)))
			require.Error(t, err)
			require.True(t, IsParseError(err))
		})
	}
}

func TestSection_UncompressedData(t *testing.T) {
	img, _ := wasmtest.Module{
		CodeSize:     4,
		Units:        []wasmtest.Unit{fixtureUnit()},
		CompressInfo: true,
		Custom:       []wasmtest.Custom{{Name: ".zdebug_str", Data: []byte("ZLIB\x00")}},
	}.Build()
	m, err := ParseModule(bytes.NewReader(img), int64(len(img)))
	require.NoError(t, err)

	sec, ok := m.SectionByName(".debug_info")
	require.True(t, ok)
	require.Equal(t, ".zdebug_info", sec.Name)
	require.True(t, sec.Compressed)

	data, decompressed, err := sec.UncompressedData()
	require.NoError(t, err)
	require.True(t, decompressed)
	require.Equal(t, wasmtest.DWARF([]wasmtest.Unit{fixtureUnit()})[".debug_info"], data)

	broken, ok := m.SectionByName(".debug_str")
	require.True(t, ok)
	_, _, err = broken.UncompressedData()
	require.Error(t, err)

	abbrev, ok := m.SectionByName(".debug_abbrev")
	require.True(t, ok)
	_, decompressed, err = abbrev.UncompressedData()
	require.NoError(t, err)
	require.False(t, decompressed)
}

func TestLoadDebugSections(t *testing.T) {
	img, _ := fixtureModule().Build()
	m, err := ParseModule(bytes.NewReader(img), int64(len(img)))
	require.NoError(t, err)

	sections, err := loadDebugSections(m)
	require.NoError(t, err)
	require.Len(t, sections, len(debugSectionNames))
	require.NotEmpty(t, sections[debugInfo])
	require.Empty(t, sections[debugStr])
	require.NotNil(t, sections[debugStr])

	d, err := loadDWARF(sections)
	require.NoError(t, err)
	require.NotNil(t, d)

	d, err = loadDWARF(debugSections{})
	require.NoError(t, err)
	require.Nil(t, d)

	_, err = loadDWARF(debugSections{debugInfo: []byte{0x01, 0x02}})
	require.True(t, IsParseError(err))
}
