package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTracePLX/pkg/profile"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/regmap"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/topology"
)

var (
	profileName string
	profileYAML bool
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Inspect and validate topology profiles",
	Long: `Profiles describe a target switch configuration: the role, lane width and
partition of each port and the fan-out ratio. A PROFILE argument is either a
file (.plx profile language or .yaml) or the name of a built-in profile.`,
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List built-in profiles",
	Args:  cobra.NoArgs,
	RunE:  runProfileList,
}

var profileShowCmd = &cobra.Command{
	Use:   "show PROFILE",
	Short: "Print a profile and its resolved lane assignment",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileShow,
}

var profileValidateCmd = &cobra.Command{
	Use:   "validate PROFILE",
	Short: "Check a profile against its family's capacity",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileValidate,
}

func init() {
	profileCmd.PersistentFlags().StringVar(&profileName, "name", "", "profile to pick from a file holding several")
	profileShowCmd.Flags().BoolVar(&profileYAML, "yaml", false, "print as YAML instead of the profile language")
	profileCmd.AddCommand(profileListCmd, profileShowCmd, profileValidateCmd)
	rootCmd.AddCommand(profileCmd)
}

// loadProfile resolves arg to a profile: a file path first, then a built-in
// name. An empty arg selects the family's known-good profile.
func loadProfile(arg, family string) (topology.Profile, error) {
	if arg == "" {
		if family == "" {
			return topology.Profile{}, errors.New("no profile given and no --family to pick a default")
		}
		return profile.Default(family)
	}
	if _, err := os.Stat(arg); err == nil {
		ps, err := profile.Load(arg)
		if err != nil {
			return topology.Profile{}, err
		}
		return profile.Select(ps, profileName)
	}
	builtin, err := profile.Builtin()
	if err != nil {
		return topology.Profile{}, err
	}
	p, err := profile.Select(builtin, arg)
	if err != nil {
		return topology.Profile{}, fmt.Errorf("%q is neither a profile file nor a built-in profile", arg)
	}
	return p, nil
}

// resolveProfile loads and validates a profile for family m. A nil m uses
// the profile's own family.
func resolveProfile(arg string, m *regmap.Map) (*topology.Resolved, *regmap.Map, error) {
	family := familyTag
	if m != nil {
		family = m.Device.Tag
	}
	p, err := loadProfile(arg, family)
	if err != nil {
		return nil, nil, err
	}
	if m == nil {
		if m, err = regmap.Lookup(p.Family); err != nil {
			return nil, nil, err
		}
	}
	r, err := topology.Validate(p, topology.CapacityOf(m))
	if err != nil {
		return nil, nil, err
	}
	return r, m, nil
}

func runProfileList(cmd *cobra.Command, args []string) error {
	ps, err := profile.Builtin()
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(ps)
	}
	for _, p := range ps {
		fmt.Printf("%-16s family %-10s fan-out %d:1  %d host(s)  %d port(s)\n", p.Name, p.Family, p.Fanout, p.Hosts, len(p.Ports))
	}
	return nil
}

func runProfileShow(cmd *cobra.Command, args []string) error {
	p, err := loadProfile(args[0], familyTag)
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(p)
	}
	if profileYAML {
		data, err := profile.MarshalYAML(p)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	}
	fmt.Print(profile.Format(p))
	return nil
}

func runProfileValidate(cmd *cobra.Command, args []string) error {
	r, m, err := resolveProfile(args[0], nil)
	if vs := topology.ViolationsOf(err); len(vs) > 0 {
		if outputJSON {
			if jerr := printJSON(vs); jerr != nil {
				return jerr
			}
		} else {
			fmt.Printf("%d violation(s):\n", len(vs))
			for _, v := range vs {
				fmt.Printf("  - %s\n", v)
			}
		}
		return err
	}
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(r)
	}
	fmt.Printf("Profile %s is valid for %s (%d lanes, %d ports)\n", r.Profile.Name, m.Device.Name, m.Device.Lanes, m.Device.Ports)
	for _, a := range r.Enabled() {
		fmt.Printf("  %s\n", a)
	}
	return nil
}
