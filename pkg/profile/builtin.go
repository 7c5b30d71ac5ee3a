package profile

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"

	"github.com/OpenTraceLab/OpenTracePLX/pkg/topology"
)

//go:embed builtin/*.plx
var builtinFS embed.FS

var (
	builtinOnce sync.Once
	builtin     []topology.Profile
	defaults    map[string]topology.Profile
	builtinErr  error
)

func loadBuiltin() {
	defaults = make(map[string]topology.Profile)
	parser, err := NewParser()
	if err != nil {
		builtinErr = err
		return
	}
	files, err := fs.Glob(builtinFS, "builtin/*.plx")
	if err != nil {
		builtinErr = err
		return
	}
	for _, name := range files {
		data, err := builtinFS.ReadFile(name)
		if err != nil {
			builtinErr = err
			return
		}
		ps, err := parser.ParseString(path.Base(name), string(data))
		if err != nil {
			builtinErr = fmt.Errorf("builtin %s: %w", name, err)
			return
		}
		for _, p := range ps {
			if _, ok := defaults[p.Family]; !ok {
				defaults[p.Family] = p
			}
		}
		builtin = append(builtin, ps...)
	}
}

// Builtin returns the profiles shipped with the tool.
func Builtin() ([]topology.Profile, error) {
	builtinOnce.Do(loadBuiltin)
	return builtin, builtinErr
}

// Default returns the known-good profile of a family: the first profile in
// the family's builtin file.
func Default(family string) (topology.Profile, error) {
	if _, err := Builtin(); err != nil {
		return topology.Profile{}, err
	}
	p, ok := defaults[strings.ToLower(family)]
	if !ok {
		return topology.Profile{}, fmt.Errorf("profile: no known-good profile for family %q", family)
	}
	return p, nil
}
