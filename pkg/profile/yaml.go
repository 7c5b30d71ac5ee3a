package profile

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ghodss/yaml"

	"github.com/OpenTraceLab/OpenTracePLX/pkg/plxerr"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/topology"
)

// fanout accepts 4, "4" or "4:1".
type fanout int

func (f *fanout) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*f = fanout(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("fanout must be N or \"N:1\"")
	}
	n, err := topology.ParseRatio(s)
	if err != nil {
		return err
	}
	*f = fanout(n)
	return nil
}

func (f fanout) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("%d:1", int(f)))
}

type yamlProfile struct {
	Name   string          `json:"name"`
	Family string          `json:"family"`
	Fanout fanout          `json:"fanout,omitempty"`
	Hosts  int             `json:"hosts,omitempty"`
	Ports  []topology.Port `json:"ports"`
}

// ParseYAML decodes one profile.
func ParseYAML(data []byte) (topology.Profile, error) {
	var y yamlProfile
	if err := yaml.Unmarshal(data, &y); err != nil {
		return topology.Profile{}, plxerr.Wrap(plxerr.InvalidConfiguration, "parse profile", err)
	}
	if y.Name == "" {
		return topology.Profile{}, plxerr.New(plxerr.InvalidConfiguration, "parse profile", "profile has no name")
	}
	return topology.Profile{
		Name:   y.Name,
		Family: strings.ToLower(y.Family),
		Fanout: int(y.Fanout),
		Hosts:  y.Hosts,
		Ports:  y.Ports,
	}, nil
}

// MarshalYAML encodes p in the form ParseYAML reads.
func MarshalYAML(p topology.Profile) ([]byte, error) {
	return yaml.Marshal(yamlProfile{
		Name:   p.Name,
		Family: p.Family,
		Fanout: fanout(p.Fanout),
		Hosts:  p.Hosts,
		Ports:  p.Ports,
	})
}
