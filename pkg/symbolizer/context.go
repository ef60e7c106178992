package symbolizer

import (
	"debug/dwarf"
	"io"
	"sort"

	"github.com/go-delve/delve/pkg/dwarf/godwarf"
	"github.com/go-delve/delve/pkg/dwarf/reader"
	"github.com/ianlancetaylor/demangle"
	"github.com/pkg/errors"
)

const (
	attrMIPSLinkageName dwarf.Attr = 0x2007
	attrGNUDwoName      dwarf.Attr = 0x2130

	maxNameDepth = 16
)

func newRangeIndex[T any](ranges []addrRange[T]) rangeIndex[T] {
	sort.SliceStable(ranges, func(i, j int) bool {
		return ranges[i].low < ranges[j].low
	})
	maxHigh := make([]uint64, len(ranges))
	var hi uint64
	for i, r := range ranges {
		if r.high > hi {
			hi = r.high
		}
		maxHigh[i] = hi
	}
	return rangeIndex[T]{ranges: ranges, maxHigh: maxHigh}
}

// find returns the value of the latest-starting range covering pc.
func (x rangeIndex[T]) find(pc uint64) (T, bool) {
	idx := sort.Search(len(x.ranges), func(i int) bool {
		return x.ranges[i].low > pc
	})
	for i := idx - 1; i >= 0 && x.maxHigh[i] > pc; i-- {
		if pc < x.ranges[i].high {
			return x.ranges[i].val, true
		}
	}
	var zero T
	return zero, false
}

type compileUnit struct {
	entry *dwarf.Entry
	split bool
	lines []dwarf.LineEntry
	files []*dwarf.LineFile
	funcs rangeIndex[dwarf.Offset]
}

// lineFor returns the line table row covering pc.
func (u *compileUnit) lineFor(pc uint64) *dwarf.LineEntry {
	idx := sort.Search(len(u.lines), func(i int) bool {
		return u.lines[i].Address > pc
	})
	if idx == 0 {
		return nil
	}
	row := &u.lines[idx-1]
	if row.EndSequence {
		return nil
	}
	return row
}

func (u *compileUnit) file(idx int64) string {
	if idx < 0 || idx >= int64(len(u.files)) || u.files[idx] == nil {
		return ""
	}
	return u.files[idx].Name
}

// dwarfContext is the immutable lookup structure built from one module's
// debug sections. Every lookup opens its own dwarf.Reader, so a context can
// be shared by any number of goroutines.
type dwarfContext struct {
	data  *dwarf.Data
	units rangeIndex[*compileUnit]
	// sectionBytes is the amount of debug data owned by the context.
	sectionBytes int
}

func newDWARFContext(d *dwarf.Data, sectionBytes int) (*dwarfContext, error) {
	c := &dwarfContext{data: d, sectionBytes: sectionBytes}
	if d == nil {
		return c, nil
	}

	var ranges []addrRange[*compileUnit]
	r := d.Reader()
	for {
		e, err := r.Next()
		if err != nil {
			return nil, errors.Wrap(err, "read compilation units")
		}
		if e == nil {
			break
		}
		switch e.Tag {
		case dwarf.TagCompileUnit, dwarf.TagPartialUnit, dwarf.TagSkeletonUnit:
		default:
			r.SkipChildren()
			continue
		}

		u := &compileUnit{entry: e, split: isSplitUnit(e)}
		tombstone := tombstoneFor(r.AddressSize())
		if u.split {
			r.SkipChildren()
		} else {
			if err := c.indexLines(u); err != nil {
				return nil, err
			}
			funcs, err := c.indexFunctions(r, e, tombstone)
			if err != nil {
				return nil, err
			}
			u.funcs = newRangeIndex(funcs)
		}

		unitRanges, err := d.Ranges(e)
		if err != nil {
			return nil, errors.Wrapf(err, "ranges of unit at 0x%x", e.Offset)
		}
		if len(unitRanges) == 0 {
			unitRanges = u.sequenceRanges()
		}
		for _, rng := range unitRanges {
			if validRange(rng, tombstone) {
				ranges = append(ranges, addrRange[*compileUnit]{low: rng[0], high: rng[1], val: u})
			}
		}
		u.finalize()
	}
	c.units = newRangeIndex(ranges)
	return c, nil
}

func isSplitUnit(e *dwarf.Entry) bool {
	if e.Tag == dwarf.TagSkeletonUnit {
		return true
	}
	return e.Val(dwarf.AttrDwoName) != nil || e.Val(attrGNUDwoName) != nil
}

func tombstoneFor(addrSize int) uint64 {
	if addrSize == 4 {
		return 0xffffffff
	}
	return ^uint64(0)
}

// validRange drops empty ranges and the ones the linker tombstoned.
func validRange(rng [2]uint64, tombstone uint64) bool {
	return rng[0] < rng[1] && rng[0] != tombstone && rng[0] != tombstone-1
}

// validFunctionRange also drops functions placed at 0: offset 0 of a wasm
// code section holds the function count, so only removed functions live
// there.
func validFunctionRange(rng [2]uint64, tombstone uint64) bool {
	return rng[0] != 0 && validRange(rng, tombstone)
}

func (c *dwarfContext) indexLines(u *compileUnit) error {
	lr, err := c.data.LineReader(u.entry)
	if err != nil {
		return errors.Wrapf(err, "line table of unit at 0x%x", u.entry.Offset)
	}
	if lr == nil {
		return nil
	}
	for {
		var row dwarf.LineEntry
		if err := lr.Next(&row); err != nil {
			if err == io.EOF {
				break
			}
			return errors.Wrapf(err, "line table of unit at 0x%x", u.entry.Offset)
		}
		u.lines = append(u.lines, row)
	}
	u.files = lr.Files()
	return nil
}

// sequenceRanges derives address ranges from line sequences for units that
// carry no range attributes. It must run before the rows are sorted.
func (u *compileUnit) sequenceRanges() [][2]uint64 {
	var (
		ranges [][2]uint64
		start  uint64
		open   bool
	)
	for _, row := range u.lines {
		if !open {
			start, open = row.Address, true
		}
		if row.EndSequence {
			ranges = append(ranges, [2]uint64{start, row.Address})
			open = false
		}
	}
	return ranges
}

// indexFunctions walks the children of cu and records the ranges of every
// subprogram outside of other subprograms.
func (c *dwarfContext) indexFunctions(r *dwarf.Reader, cu *dwarf.Entry, tombstone uint64) ([]addrRange[dwarf.Offset], error) {
	var funcs []addrRange[dwarf.Offset]
	if !cu.Children {
		return nil, nil
	}
	for depth := 1; depth > 0; {
		e, err := r.Next()
		if err != nil {
			return nil, errors.Wrapf(err, "entries of unit at 0x%x", cu.Offset)
		}
		if e == nil {
			break
		}
		if e.Tag == 0 {
			depth--
			continue
		}
		if e.Tag != dwarf.TagSubprogram {
			if e.Children {
				depth++
			}
			continue
		}
		if ranges, err := c.data.Ranges(e); err == nil {
			for _, rng := range ranges {
				if validFunctionRange(rng, tombstone) {
					funcs = append(funcs, addrRange[dwarf.Offset]{low: rng[0], high: rng[1], val: e.Offset})
				}
			}
		}
		if e.Children {
			r.SkipChildren()
		}
	}
	return funcs, nil
}

// finalize sorts the line rows of the unit. End-of-sequence rows
// sort before rows sharing their address so that a sequence starting where
// another one ends wins the lookup.
func (u *compileUnit) finalize() {
	sort.SliceStable(u.lines, func(i, j int) bool {
		a, b := &u.lines[i], &u.lines[j]
		if a.Address != b.Address {
			return a.Address < b.Address
		}
		return a.EndSequence && !b.EndSequence
	})
}

// frames returns an iterator over the frames covering pc, innermost first.
func (c *dwarfContext) frames(pc uint64) (*frameIter, error) {
	u, ok := c.units.find(pc)
	if !ok {
		return nil, errNoFrameFound
	}
	if u.split {
		return nil, errSplitDebugData
	}

	it := &frameIter{c: c, u: u, line: u.lineFor(pc)}
	if off, ok := u.funcs.find(pc); ok {
		tree, err := godwarf.LoadTree(off, c.data, 0)
		if err != nil {
			return nil, wrapError(KindParse, err, "load subprogram")
		}
		it.stack = append(reader.InlineStack(tree, pc), tree)
	}
	if len(it.stack) == 0 && it.line == nil {
		return nil, errNoFrameFound
	}
	return it, nil
}

// frameIter yields the inline chain for one address. The innermost frame
// takes its location from the line table; each outer frame takes it from
// the call site attributes of the frame it inlined.
type frameIter struct {
	c     *dwarfContext
	u     *compileUnit
	line  *dwarf.LineEntry
	stack []*godwarf.Tree
	next  int
}

func (it *frameIter) Next() (Frame, bool) {
	i := it.next
	if i > 0 && i >= len(it.stack) {
		return Frame{}, false
	}
	it.next++

	var f Frame
	if len(it.stack) > 0 {
		f.Symbol = it.c.functionName(it.stack[i].Offset)
	}
	if i == 0 {
		if it.line != nil {
			if it.line.File != nil {
				f.File = it.line.File.Name
			}
			f.Line = it.line.Line
			f.Column = it.line.Column
		}
		return f, true
	}
	callee := it.stack[i-1]
	if idx, ok := callee.Entry.Val(dwarf.AttrCallFile).(int64); ok {
		f.File = it.u.file(idx)
	}
	if line, ok := callee.Entry.Val(dwarf.AttrCallLine).(int64); ok {
		f.Line = int(line)
	}
	if col, ok := callee.Entry.Val(dwarf.AttrCallColumn).(int64); ok {
		f.Column = int(col)
	}
	return f, true
}

// functionName resolves the name of the function DIE at off, demangled when
// possible.
func (c *dwarfContext) functionName(off dwarf.Offset) string {
	name := c.rawName(off, maxNameDepth)
	if name == "" {
		return ""
	}
	if d, err := demangle.ToString(name); err == nil {
		return d
	}
	return name
}

// rawName prefers a linkage name, then a plain name, then whatever the
// abstract origin or specification of the entry is called.
func (c *dwarfContext) rawName(off dwarf.Offset, depth int) string {
	if depth == 0 {
		return ""
	}
	r := c.data.Reader()
	r.Seek(off)
	e, err := r.Next()
	if err != nil || e == nil {
		return ""
	}
	for _, attr := range []dwarf.Attr{dwarf.AttrLinkageName, attrMIPSLinkageName} {
		if name, ok := e.Val(attr).(string); ok && name != "" {
			return name
		}
	}
	if name, ok := e.Val(dwarf.AttrName).(string); ok && name != "" {
		return name
	}
	for _, attr := range []dwarf.Attr{dwarf.AttrAbstractOrigin, dwarf.AttrSpecification} {
		if ref, ok := e.Val(attr).(dwarf.Offset); ok {
			return c.rawName(ref, depth-1)
		}
	}
	return ""
}
