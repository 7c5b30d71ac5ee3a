package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTracePLX/pkg/discovery"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/regmap"
)

var listAll bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List PCIe switches found in sysfs",
	Long: `Scan /sys/bus/pci/devices for functions from switch vendors and group the
switch ports into physical switches by their upstream port.

Examples:
  plx list              # One line per switch
  plx list --all        # Every matching PCI function
  plx list --json`,
	Args: cobra.NoArgs,
	RunE: runList,
}

var familiesCmd = &cobra.Command{
	Use:   "families",
	Short: "List the switch families with register tables",
	Args:  cobra.NoArgs,
	RunE:  runFamilies,
}

func init() {
	listCmd.Flags().BoolVarP(&listAll, "all", "a", false, "list every PCI function, not just one line per switch")
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(familiesCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	devs, err := discovery.ScanPCI(sysfsRoot)
	if err != nil {
		return err
	}
	log.V(1).Info("pci scan", "root", sysfsRoot, "functions", len(devs))

	if listAll {
		if outputJSON {
			return printJSON(devs)
		}
		if len(devs) == 0 {
			fmt.Println("No switch functions found.")
			return nil
		}
		for _, d := range devs {
			kind := "endpoint"
			if d.IsSwitch() {
				kind = "port"
			}
			fmt.Printf("%s  %04X:%04X  rev %02X  %-8s %s\n", d.BDF, d.VendorID, d.DeviceID, d.Revision, kind, d.DisplayName())
		}
		return nil
	}

	sws := discovery.UniqueSwitches(devs)
	if outputJSON {
		return printJSON(sws)
	}
	if len(sws) == 0 {
		fmt.Println("No switches found.")
		return nil
	}
	fmt.Printf("Found %d switch(es):\n", len(sws))
	for _, sw := range sws {
		up := sw.Upstream
		family := "-"
		if m, err := regmap.LookupID(up.VendorID, up.DeviceID); err == nil {
			family = m.Device.Tag
		}
		fmt.Printf("  %s  %-40s family %-10s %d downstream port(s)\n", up.BDF, up.DisplayName(), family, sw.Downstream)
	}
	return nil
}

func runFamilies(cmd *cobra.Command, args []string) error {
	reg, err := regmap.Default()
	if err != nil {
		return err
	}
	fams := reg.Families()
	if outputJSON {
		infos := make([]regmap.DeviceInfo, 0, len(fams))
		for _, m := range fams {
			infos = append(infos, m.Device)
		}
		return printJSON(infos)
	}
	for _, m := range fams {
		d := m.Device
		verified := ""
		if !d.Verified {
			verified = "  (unverified)"
		}
		fmt.Printf("%-10s %-28s %04X:%04X  %d lanes, %d ports, fan-out %v%s\n",
			d.Tag, d.Name, d.VendorID, d.DeviceID, d.Lanes, d.Ports, d.FanoutRatios, verified)
	}
	return nil
}
