package protocol

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	perrors "github.com/phasedrive/phasedrive/internal/errors"
)

//go:embed defs/*.yaml
var builtins embed.FS

// Loader resolves protocols by name or alias. Definitions on disk (Dir)
// shadow the embedded builtins.
type Loader struct {
	// Dir is an optional directory of additional *.yaml protocol
	// definitions. Empty means builtins only.
	Dir string
}

// Load parses and validates the named protocol. The load is a pure parse:
// no side effects, and a missing or structurally invalid definition is an
// error, never a silent default.
func (l *Loader) Load(name string) (*Protocol, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: protocol name is empty", perrors.ErrProtocolNotFound)
	}
	protos, err := l.All()
	if err != nil {
		return nil, err
	}
	for _, p := range protos {
		if p.Matches(name) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", perrors.ErrProtocolNotFound, name)
}

// All parses and validates every available protocol, on-disk definitions
// first, sorted by name.
func (l *Loader) All() ([]*Protocol, error) {
	byName := make(map[string]*Protocol)

	entries, err := builtins.ReadDir("defs")
	if err != nil {
		return nil, fmt.Errorf("read builtin protocols: %w", err)
	}
	for _, e := range entries {
		data, err := builtins.ReadFile("defs/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read builtin protocol %s: %w", e.Name(), err)
		}
		p, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("builtin protocol %s: %w", e.Name(), err)
		}
		byName[strings.ToLower(p.Name)] = p
	}

	if l.Dir != "" {
		disk, err := os.ReadDir(l.Dir)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read protocol dir %s: %w", l.Dir, err)
		}
		for _, e := range disk {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
				continue
			}
			path := filepath.Join(l.Dir, e.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read protocol %s: %w", path, err)
			}
			p, err := Parse(data)
			if err != nil {
				return nil, fmt.Errorf("protocol %s: %w", path, err)
			}
			byName[strings.ToLower(p.Name)] = p
		}
	}

	out := make([]*Protocol, 0, len(byName))
	for _, p := range byName {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Parse decodes and validates a single protocol document.
func Parse(data []byte) (*Protocol, error) {
	var p Protocol
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", perrors.ErrProtocolInvalid, err)
	}
	p.normalize()
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
