package resolve

import (
	"bufio"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	tracetap "github.com/frobware/go-tracetap"
)

// ProcessIndex is an Index over a live process, built from
// /proc/<pid>/maps. Mapping bases are read fresh on every snapshot.
// Export tables are parsed from the backing ELF files on demand and
// cached per path across snapshots: the file's symbol values never
// change while it is mapped, only the base moves.
type ProcessIndex struct {
	pid     int
	modules []Module // sorted by base
	byPath  map[string]Module
	byName  map[string]Module
	exports *exportCache
}

// Verify interface compliance at compile time.
var _ Index = (*ProcessIndex)(nil)

// NewSnapshotter returns a Snapshotter for the given pid. Snapshots
// share one export cache.
func NewSnapshotter(pid int) Snapshotter {
	cache := newExportCache()
	return func() (Index, error) {
		return snapshot(pid, cache)
	}
}

// Snapshot builds a one-shot index of the process's current modules.
func Snapshot(pid int) (*ProcessIndex, error) {
	return snapshot(pid, newExportCache())
}

func snapshot(pid int, cache *exportCache) (*ProcessIndex, error) {
	path := fmt.Sprintf("/proc/%d/maps", pid)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	defer f.Close()

	modules, err := parseMaps(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	ix := &ProcessIndex{
		pid:     pid,
		modules: modules,
		byPath:  make(map[string]Module, len(modules)),
		byName:  make(map[string]Module, len(modules)),
		exports: cache,
	}
	for _, m := range modules {
		ix.byPath[m.Path] = m
		// First mapping wins on basename collisions.
		if _, dup := ix.byName[m.Name]; !dup {
			ix.byName[m.Name] = m
		}
	}
	return ix, nil
}

// PID returns the indexed process id.
func (ix *ProcessIndex) PID() int { return ix.pid }

// Modules returns the indexed modules, sorted by base address.
func (ix *ProcessIndex) Modules() []Module { return ix.modules }

// Lookup finds a module by basename, or by full path when the name
// contains a path separator.
func (ix *ProcessIndex) Lookup(name string) (Module, bool) {
	if strings.Contains(name, "/") {
		m, ok := ix.byPath[name]
		return m, ok
	}
	m, ok := ix.byName[name]
	return m, ok
}

// FindAddress finds the module whose mapped range contains addr.
func (ix *ProcessIndex) FindAddress(addr uint64) (Module, bool) {
	for _, m := range ix.modules {
		if addr >= m.Base && addr < m.End {
			return m, true
		}
	}
	return Module{}, false
}

// Export returns the runtime address of a named function export.
func (ix *ProcessIndex) Export(m Module, name string) (uint64, error) {
	tab, err := ix.exports.load(m.Path)
	if err != nil {
		return 0, fmt.Errorf("reading exports of %s: %w", m.Path, err)
	}
	v, ok := tab.funcs[name]
	if !ok {
		return 0, tracetap.ErrExportNotFound{Module: m.Name, Export: name}
	}
	return m.Base + (v - tab.loadVaddr), nil
}

// mapsLine is one parsed row of /proc/<pid>/maps.
type mapsLine struct {
	start  uint64
	end    uint64
	offset uint64
	exec   bool
	path   string
}

// parseMapsLine parses a single maps row, rejecting anonymous and
// pseudo mappings ([vdso], [stack], ...).
func parseMapsLine(line string) (mapsLine, bool) {
	fields := strings.Fields(line)
	if len(fields) < 6 {
		return mapsLine{}, false
	}
	path := fields[5]
	if strings.HasPrefix(path, "[") {
		return mapsLine{}, false
	}

	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return mapsLine{}, false
	}
	start, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return mapsLine{}, false
	}
	end, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil {
		return mapsLine{}, false
	}
	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return mapsLine{}, false
	}

	return mapsLine{
		start:  start,
		end:    end,
		offset: offset,
		exec:   strings.Contains(fields[1], "x"),
		path:   path,
	}, true
}

// parseMaps aggregates maps rows into one Module per backing file
// holding at least one executable mapping. The base is the lowest
// mapping start normalized by its file offset, which recovers the
// load base even when the offset-zero page itself is not mapped.
func parseMaps(r io.Reader) ([]Module, error) {
	type span struct {
		base uint64
		end  uint64
		exec bool
	}
	spans := make(map[string]*span)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		row, ok := parseMapsLine(scanner.Text())
		if !ok {
			continue
		}
		base := row.start - row.offset
		s := spans[row.path]
		if s == nil {
			spans[row.path] = &span{base: base, end: row.end, exec: row.exec}
			continue
		}
		if base < s.base {
			s.base = base
		}
		if row.end > s.end {
			s.end = row.end
		}
		if row.exec {
			s.exec = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	modules := make([]Module, 0, len(spans))
	for path, s := range spans {
		if !s.exec {
			continue
		}
		modules = append(modules, Module{
			Name: filepath.Base(path),
			Path: path,
			Base: s.base,
			End:  s.end,
		})
	}
	sort.Slice(modules, func(i, j int) bool { return modules[i].Base < modules[j].Base })
	return modules, nil
}

// exportTable holds the parsed function exports of one ELF file.
type exportTable struct {
	funcs     map[string]uint64 // name -> ELF virtual address
	loadVaddr uint64            // lowest PT_LOAD vaddr
}

// exportCache caches export tables per backing file path.
type exportCache struct {
	mu     sync.Mutex
	tables map[string]*exportTable
}

func newExportCache() *exportCache {
	return &exportCache{tables: make(map[string]*exportTable)}
}

func (c *exportCache) load(path string) (*exportTable, error) {
	c.mu.Lock()
	tab, ok := c.tables[path]
	c.mu.Unlock()
	if ok {
		return tab, nil
	}

	tab, err := loadExportTable(path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.tables[path] = tab
	c.mu.Unlock()
	return tab, nil
}

// ImageBase returns the lowest PT_LOAD virtual address of the ELF
// image at path. A runtime address inside a mapped module converts to
// its file virtual address as addr - Module.Base + ImageBase, which
// is the identity for fixed-position executables.
func ImageBase(path string) (uint64, error) {
	f, err := elf.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return imageBase(f), nil
}

func imageBase(f *elf.File) uint64 {
	var base uint64
	found := false
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if !found || p.Vaddr < base {
			base = p.Vaddr
			found = true
		}
	}
	return base
}

func loadExportTable(path string) (*exportTable, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tab := &exportTable{funcs: make(map[string]uint64), loadVaddr: imageBase(f)}

	add := func(syms []elf.Symbol) {
		for _, sym := range syms {
			if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Value == 0 || sym.Name == "" {
				continue
			}
			if _, exists := tab.funcs[sym.Name]; !exists {
				tab.funcs[sym.Name] = sym.Value
			}
		}
	}

	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, err
	}
	add(syms)

	dsyms, err := f.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, err
	}
	add(dsyms)

	return tab, nil
}
