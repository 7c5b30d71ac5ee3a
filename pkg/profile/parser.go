// Package profile reads and writes topology profiles. Two formats are
// accepted: a small block language (.plx and anything not YAML) and YAML
// (.yaml, .yml).
package profile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"

	"github.com/OpenTraceLab/OpenTracePLX/pkg/plxerr"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/topology"
)

// Parser parses the profile language.
type Parser struct {
	parser *participle.Parser[File]
}

// NewParser creates a new profile parser instance
func NewParser() (*Parser, error) {
	parser, err := participle.Build[File](
		participle.Lexer(ProfileLexer),
		participle.Elide("Comment", "Whitespace"),
		participle.Unquote("String"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build parser: %w", err)
	}
	return &Parser{parser: parser}, nil
}

// Parse parses profiles from a reader. name labels error positions.
func (p *Parser) Parse(name string, r io.Reader) ([]topology.Profile, error) {
	f, err := p.parser.Parse(name, r)
	if err != nil {
		return nil, plxerr.Wrap(plxerr.InvalidConfiguration, "parse profile", err)
	}
	return f.Build()
}

// ParseString parses profiles from a string.
func (p *Parser) ParseString(name, input string) ([]topology.Profile, error) {
	f, err := p.parser.ParseString(name, input)
	if err != nil {
		return nil, plxerr.Wrap(plxerr.InvalidConfiguration, "parse profile", err)
	}
	return f.Build()
}

// Build converts the syntax tree into topology profiles.
func (f *File) Build() ([]topology.Profile, error) {
	out := make([]topology.Profile, 0, len(f.Profiles))
	seen := make(map[string]bool)
	for _, d := range f.Profiles {
		p, err := d.profile()
		if err != nil {
			return nil, plxerr.Wrap(plxerr.InvalidConfiguration, "parse profile", err)
		}
		if seen[p.Name] {
			return nil, plxerr.New(plxerr.InvalidConfiguration, "parse profile",
				fmt.Sprintf("%s: profile %q declared twice", d.Pos, p.Name))
		}
		seen[p.Name] = true
		out = append(out, p)
	}
	return out, nil
}

func (d *ProfileDecl) profile() (topology.Profile, error) {
	p := topology.Profile{Name: d.Name}
	for _, it := range d.Items {
		switch {
		case it.Setting != nil:
			if err := it.Setting.apply(&p); err != nil {
				return p, err
			}
		case it.Port != nil:
			port, err := it.Port.port()
			if err != nil {
				return p, err
			}
			p.Ports = append(p.Ports, port)
		}
	}
	return p, nil
}

func (s *Setting) apply(p *topology.Profile) error {
	var err error
	switch strings.ToLower(s.Key) {
	case "family":
		p.Family = strings.ToLower(s.Value)
	case "fanout":
		p.Fanout, err = topology.ParseRatio(s.Value)
	case "hosts":
		p.Hosts, err = strconv.Atoi(s.Value)
		if err == nil && p.Hosts < 0 {
			err = fmt.Errorf("hosts must not be negative")
		}
	}
	if err != nil {
		return fmt.Errorf("%s: %s: %w", s.Pos, s.Key, err)
	}
	return nil
}

func (d *PortDecl) port() (topology.Port, error) {
	mode, err := topology.ParseMode(d.Mode)
	if err != nil {
		return topology.Port{}, fmt.Errorf("%s: %w", d.Pos, err)
	}
	port := topology.Port{Index: d.Index, Mode: mode}
	if d.Width != "" {
		port.Width, err = strconv.Atoi(d.Width[1:])
		if err != nil {
			return port, fmt.Errorf("%s: width %q: %w", d.Pos, d.Width, err)
		}
	}
	for _, a := range d.Attrs {
		switch {
		case a.Lanes != nil:
			port.LaneStart = a.Lanes
		case a.Domain != nil:
			port.Domain = *a.Domain
		case a.Partner != nil:
			port.NTPartner = a.Partner
		}
	}
	return port, nil
}

// Load reads every profile in path, choosing the format by extension.
func Load(path string) ([]topology.Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		p, err := ParseYAML(data)
		if err != nil {
			return nil, err
		}
		return []topology.Profile{p}, nil
	}
	parser, err := NewParser()
	if err != nil {
		return nil, err
	}
	return parser.ParseString(filepath.Base(path), string(data))
}

// Select returns the profile called name, or the only profile when name is
// empty.
func Select(profiles []topology.Profile, name string) (topology.Profile, error) {
	if name == "" {
		if len(profiles) == 1 {
			return profiles[0], nil
		}
		return topology.Profile{}, fmt.Errorf("profile: %d profiles found, pick one by name", len(profiles))
	}
	for _, p := range profiles {
		if p.Name == name {
			return p, nil
		}
	}
	return topology.Profile{}, fmt.Errorf("profile: no profile named %q", name)
}
