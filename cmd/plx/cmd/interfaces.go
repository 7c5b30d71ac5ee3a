package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTracePLX/pkg/discovery"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/regmap"
)

var (
	devRoot string
	sysRoot string
)

var interfacesCmd = &cobra.Command{
	Use:   "interfaces",
	Short: "List management interfaces",
	Long: `Scan the host for side-band paths to a switch: Atlas host cards on USB, their
ttyACM consoles, and (with --i2c-bus) PLX slave ports at 0x38-0x3F. Use this
to pick a --method and --target before recovering a switch.`,
	Args: cobra.NoArgs,
	RunE: runInterfaces,
}

func init() {
	interfacesCmd.Flags().StringVar(&devRoot, "dev", "/dev", "device directory")
	interfacesCmd.Flags().StringVar(&sysRoot, "sys", "/sys", "sysfs mount point")
	rootCmd.AddCommand(interfacesCmd)
}

func runInterfaces(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	usb, err := discovery.USB(ctx)
	if err != nil {
		log.V(1).Info("usb scan failed", "err", err.Error())
	}
	ttys, err := discovery.SerialPorts(devRoot, sysRoot)
	if err != nil {
		return fmt.Errorf("serial scan: %w", err)
	}
	var i2c []discovery.I2CDevice
	if i2cBus != "" {
		var m *regmap.Map
		if familyTag != "" {
			if m, err = regmap.Lookup(familyTag); err != nil {
				return err
			}
		}
		if i2c, err = discovery.ScanI2C(ctx, i2cBus, m); err != nil {
			return fmt.Errorf("i2c scan: %w", err)
		}
	}

	if outputJSON {
		return printJSON(struct {
			USB    []discovery.USBDevice    `json:"usb"`
			Serial []discovery.SerialDevice `json:"serial"`
			I2C    []discovery.I2CDevice    `json:"i2c,omitempty"`
		}{usb, ttys, i2c})
	}

	if len(usb)+len(ttys)+len(i2c) == 0 {
		fmt.Println("No interfaces found.")
		return nil
	}
	if len(usb) > 0 {
		fmt.Println("USB adapters:")
		for _, d := range usb {
			fmt.Printf("  - %s [%s] (VID:PID %04X:%04X) bus %d addr %d\n", d.Label(), d.Kind, d.VendorID, d.ProductID, d.Bus, d.Address)
		}
	}
	if len(ttys) > 0 {
		fmt.Println("Serial consoles:")
		for _, d := range ttys {
			note := ""
			if d.IsAtlas() {
				note = "  --method serial"
			}
			fmt.Printf("  - %s (VID:PID %04X:%04X) serial %q%s\n", d.Path, d.VendorID, d.ProductID, d.Serial, note)
		}
	}
	if len(i2c) > 0 {
		fmt.Printf("I2C bus %s:\n", i2cBus)
		for _, d := range i2c {
			fmt.Printf("  - 0x%02X %s  --method i2c --target %s\n", d.Addr, d.Name(), d.Target())
		}
	}
	return nil
}
