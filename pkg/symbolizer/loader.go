package symbolizer

import (
	"debug/dwarf"

	"github.com/pkg/errors"
)

const (
	debugAbbrev     = ".debug_abbrev"
	debugAranges    = ".debug_aranges"
	debugFrame      = ".debug_frame"
	debugInfo       = ".debug_info"
	debugLine       = ".debug_line"
	debugPubnames   = ".debug_pubnames"
	debugRanges     = ".debug_ranges"
	debugStr        = ".debug_str"
	debugAddr       = ".debug_addr"
	debugLineStr    = ".debug_line_str"
	debugStrOffsets = ".debug_str_offsets"
	debugRnglists   = ".debug_rnglists"
	debugTypes      = ".debug_types"
)

// debugSectionNames lists every section handed to debug/dwarf.
var debugSectionNames = []string{
	debugAbbrev,
	debugAranges,
	debugFrame,
	debugInfo,
	debugLine,
	debugPubnames,
	debugRanges,
	debugStr,
	debugAddr,
	debugLineStr,
	debugStrOffsets,
	debugRnglists,
	debugTypes,
}

// supplementalSections are attached with (*dwarf.Data).AddSection.
var supplementalSections = []string{
	debugAddr,
	debugLineStr,
	debugStrOffsets,
	debugRnglists,
}

type debugSections map[string][]byte

func (s debugSections) size() int {
	var n int
	for _, b := range s {
		n += len(b)
	}
	return n
}

// loadDebugSections copies every requested debug section out of the module.
// Missing sections are left empty; a compressed section fails the load.
func loadDebugSections(m *Module) (debugSections, error) {
	sections := make(debugSections, len(debugSectionNames))
	for _, name := range debugSectionNames {
		sec, ok := m.SectionByName(name)
		if !ok {
			sections[name] = []byte{}
			continue
		}
		data, decompressed, err := sec.UncompressedData()
		if err != nil {
			return nil, wrapError(KindParse, err, "load "+name)
		}
		if decompressed {
			return nil, wrapError(KindUnsupported, errors.Errorf("section %s", sec.Name), "Compressed section not supported yet")
		}
		sections[name] = data
	}
	return sections, nil
}

// loadDWARF builds the debug/dwarf view of the sections. A module without
// .debug_info yields nil data and no error.
func loadDWARF(s debugSections) (*dwarf.Data, error) {
	if len(s[debugInfo]) == 0 {
		return nil, nil
	}
	d, err := dwarf.New(
		s[debugAbbrev],
		s[debugAranges],
		s[debugFrame],
		s[debugInfo],
		s[debugLine],
		s[debugPubnames],
		s[debugRanges],
		s[debugStr],
	)
	if err != nil {
		return nil, wrapError(KindParse, err, "parse DWARF")
	}
	for _, name := range supplementalSections {
		if len(s[name]) == 0 {
			continue
		}
		if err := d.AddSection(name, s[name]); err != nil {
			return nil, wrapError(KindParse, err, "add "+name)
		}
	}
	if len(s[debugTypes]) > 0 {
		if err := d.AddTypes(debugTypes, s[debugTypes]); err != nil {
			return nil, wrapError(KindParse, err, "add "+debugTypes)
		}
	}
	return d, nil
}
