package regmap

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ghodss/yaml"
)

//go:embed families/*.yaml
var builtin embed.FS

// Registry resolves family tables by tag or PCI identifiers.
type Registry struct {
	mu    sync.RWMutex
	byTag map[string]*Map
	byID  map[uint32]*Map
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byTag: make(map[string]*Map),
		byID:  make(map[uint32]*Map),
	}
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
	defaultErr  error
)

// Default returns the registry of built-in family tables.
func Default() (*Registry, error) {
	defaultOnce.Do(func() {
		r := NewRegistry()
		defaultErr = r.LoadFS(builtin, "families")
		defaultReg = r
	})
	return defaultReg, defaultErr
}

// Lookup resolves a family tag from the built-in registry.
func Lookup(tag string) (*Map, error) {
	r, err := Default()
	if err != nil {
		return nil, err
	}
	return r.Lookup(tag)
}

// LookupID resolves a family from the built-in registry by PCI IDs.
func LookupID(vendor, device uint16) (*Map, error) {
	r, err := Default()
	if err != nil {
		return nil, err
	}
	return r.LookupID(vendor, device)
}

// Parse decodes one YAML family table.
func Parse(data []byte) (*Map, error) {
	var m Map
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("regmap: %w", err)
	}
	if err := m.normalize(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Add registers a table. A later table with the same tag replaces the
// earlier one.
func (r *Registry) Add(m *Map) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTag[m.Device.Tag] = m
	if m.Device.DeviceID != 0 {
		r.byID[pciID(m.Device.VendorID, m.Device.DeviceID)] = m
	}
}

// Lookup returns the table for a tag or part name (case-insensitive).
func (r *Registry) Lookup(tag string) (*Map, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key := strings.ToLower(tag)
	if m, ok := r.byTag[key]; ok {
		return m, nil
	}
	for _, m := range r.byTag {
		if strings.EqualFold(m.Device.Name, tag) {
			return m, nil
		}
	}
	return nil, fmt.Errorf("regmap: unknown family %q", tag)
}

// LookupID returns the table for a vendor/device pair.
func (r *Registry) LookupID(vendor, device uint16) (*Map, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.byID[pciID(vendor, device)]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("regmap: no family for %04X:%04X", vendor, device)
}

// Families returns all tables sorted by tag.
func (r *Registry) Families() []*Map {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Map, 0, len(r.byTag))
	for _, m := range r.byTag {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device.Tag < out[j].Device.Tag })
	return out
}

// LoadFS loads every .yaml/.yml table below root in fsys.
func (r *Registry) LoadFS(fsys fs.FS, root string) error {
	return fs.WalkDir(fsys, root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !isTableFile(path) {
			return nil
		}
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return err
		}
		m, err := Parse(data)
		if err != nil {
			return fmt.Errorf("regmap: parse %s: %w", path, err)
		}
		r.Add(m)
		return nil
	})
}

// LoadDir loads additional tables from a directory on disk.
func (r *Registry) LoadDir(root string) error {
	return r.LoadFS(os.DirFS(root), ".")
}

func isTableFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func pciID(vendor, device uint16) uint32 {
	return uint32(vendor)<<16 | uint32(device)
}
