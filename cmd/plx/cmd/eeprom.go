package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTracePLX/pkg/eeprom"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/reconcile"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/regmap"
)

var (
	eepromOut   string
	eepromLimit int
	eepromNoVer bool
	eepromRetry int
)

var eepromCmd = &cobra.Command{
	Use:   "eeprom",
	Short: "Read, decode, compile and program switch EEPROMs",
	Long: `The switch loads its port configuration from a serial EEPROM at reset. An
image is a 4-byte header (0x5A signature, reserved byte, little-endian
payload length) followed by 6-byte register writes.`,
}

var eepromInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Read the EEPROM header",
	Args:  cobra.NoArgs,
	RunE:  runEepromInfo,
}

var eepromDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Read the EEPROM contents",
	Long: `Read the valid part of the EEPROM (or --limit bytes when the header is not
valid) and write it to --out, or decode it to stdout.`,
	Args: cobra.NoArgs,
	RunE: runEepromDump,
}

var eepromDecodeCmd = &cobra.Command{
	Use:   "decode FILE",
	Short: "Decode an EEPROM image file",
	Args:  cobra.ExactArgs(1),
	RunE:  runEepromDecode,
}

var eepromCompileCmd = &cobra.Command{
	Use:   "compile PROFILE",
	Short: "Compile a profile into an EEPROM image",
	Long: `Build the image that configures every port of the family for PROFILE from
power-on defaults.

Examples:
  plx eeprom compile pex8696-4to1 -o golden.bin
  plx eeprom compile layout.yaml -o layout.bin`,
	Args: cobra.ExactArgs(1),
	RunE: runEepromCompile,
}

var eepromWriteCmd = &cobra.Command{
	Use:   "write FILE",
	Short: "Program an image into the EEPROM",
	Long: `Write FILE from address 0, reading every dword back and retrying
mismatches. The switch picks the new image up at its next reset.`,
	Args: cobra.ExactArgs(1),
	RunE: runEepromWrite,
}

func init() {
	eepromDumpCmd.Flags().StringVarP(&eepromOut, "out", "o", "", "write the raw image to this file")
	eepromDumpCmd.Flags().IntVar(&eepromLimit, "limit", 0, "bytes to read when the header is invalid (default: EEPROM size)")
	eepromCompileCmd.Flags().StringVarP(&eepromOut, "out", "o", "", "output file (required)")
	eepromCompileCmd.MarkFlagRequired("out")
	eepromWriteCmd.Flags().BoolVar(&eepromNoVer, "no-verify", false, "skip read-back verification")
	eepromWriteCmd.Flags().IntVar(&eepromRetry, "retries", 3, "rewrites of a dword whose read-back mismatches")
	eepromCmd.AddCommand(eepromInfoCmd, eepromDumpCmd, eepromDecodeCmd, eepromCompileCmd, eepromWriteCmd)
	rootCmd.AddCommand(eepromCmd)
}

func printImage(img *eeprom.Image, m *regmap.Map) error {
	if outputJSON {
		return printJSON(img.Describe(m))
	}
	fmt.Printf("Signature: 0x%02X\n", img.Signature)
	fmt.Printf("Payload:   %d bytes, %d entries, ports %v\n", img.PayloadLength(), len(img.Entries), img.Ports())
	for _, d := range img.Describe(m) {
		fmt.Printf("  %s\n", d)
	}
	return nil
}

func runEepromInfo(cmd *cobra.Command, args []string) error {
	sw, err := openSwitch(cmd.Context())
	if err != nil {
		return err
	}
	defer sw.Close()
	info, err := eeprom.NewController(sw, sw.Map()).Detect()
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(info)
	}
	if !info.Valid {
		fmt.Printf("No valid image (signature 0x%02X).\n", info.Signature)
		return nil
	}
	fmt.Printf("Valid image: %d payload bytes, %d total.\n", info.PayloadLength, info.TotalSize)
	return nil
}

func runEepromDump(cmd *cobra.Command, args []string) error {
	sw, err := openSwitch(cmd.Context())
	if err != nil {
		return err
	}
	defer sw.Close()
	data, err := eeprom.NewController(sw, sw.Map()).ReadAll(eepromLimit)
	if err != nil {
		return err
	}
	if eepromOut != "" {
		if err := os.WriteFile(eepromOut, data, 0o644); err != nil {
			return err
		}
		fmt.Printf("Wrote %d bytes to %s\n", len(data), eepromOut)
		return nil
	}
	img, err := eeprom.Decode(data, eeprom.LayoutFor(sw.Map()))
	if err != nil {
		return err
	}
	return printImage(img, sw.Map())
}

func runEepromDecode(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var m *regmap.Map
	if familyTag != "" {
		if m, err = regmap.Lookup(familyTag); err != nil {
			return err
		}
	}
	img, err := eeprom.Decode(data, eeprom.LayoutFor(m))
	if err != nil {
		return err
	}
	return printImage(img, m)
}

func runEepromCompile(cmd *cobra.Command, args []string) error {
	var m *regmap.Map
	if familyTag != "" {
		var err error
		if m, err = regmap.Lookup(familyTag); err != nil {
			return err
		}
	}
	target, m, err := resolveProfile(args[0], m)
	if err != nil {
		return err
	}
	data, err := reconcile.Compile(target, m)
	if err != nil {
		return err
	}
	if err := os.WriteFile(eepromOut, data, 0o644); err != nil {
		return err
	}
	fmt.Printf("Compiled %s for %s: %d bytes to %s\n", target.Profile.Name, m.Device.Tag, len(data), eepromOut)
	return nil
}

func runEepromWrite(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	sw, err := openSwitch(cmd.Context())
	if err != nil {
		return err
	}
	defer sw.Close()
	// Refuse images that would not load.
	if _, err := eeprom.Decode(data, eeprom.LayoutFor(sw.Map())); err != nil {
		return err
	}
	ctl := eeprom.NewController(sw, sw.Map())
	opts := eeprom.WriteOptions{
		Verify:  !eepromNoVer,
		Retries: eepromRetry,
		Progress: func(done, total int) {
			log.V(1).Info("eeprom write", "dword", done, "of", total)
		},
	}
	if err := ctl.WriteImage(cmd.Context(), data, opts); err != nil {
		return err
	}
	fmt.Printf("Wrote %d bytes to the %s EEPROM.\n", len(data), sw.Family())
	return nil
}
