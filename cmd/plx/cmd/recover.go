package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTracePLX/internal/metrics"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/recovery"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/regmap"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/transport"
)

var (
	recoverProfile string
	recoverRetries int
	confirmBDF     string
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Reprogram a switch that no longer enumerates",
	Long: `Recover a switch over its side-band (I2C or an Atlas serial console): probe
register 0, write the known-good EEPROM image of the family (or --profile)
with read-back verification, and check the header. --method defaults to i2c
here. Power-cycle the host
afterwards; with --confirm the tool then checks the switch is back on PCIe.

Examples:
  plx recover --family pex8696 --i2c-bus 1 --target 0x38
  plx recover --family pex8733 --profile pex8733-2to1 --target 1:0x3a
  plx recover --family pex8696 --method serial --target /dev/ttyACM0
  plx recover --family pex8696 --method pcie --confirm 03:00.0`,
	Args: cobra.NoArgs,
	RunE: runRecover,
}

func init() {
	recoverCmd.Flags().StringVar(&recoverProfile, "profile", "", "profile to program (default: the family's known-good profile)")
	recoverCmd.Flags().IntVar(&recoverRetries, "retries", recovery.DefaultMaxRetries, "rewrites of a dword whose read-back mismatches")
	recoverCmd.Flags().StringVar(&confirmBDF, "confirm", "", "skip reprogramming and confirm the switch enumerates at this BDF")
	rootCmd.AddCommand(recoverCmd)
}

// opener returns a recovery session factory for method m.
func opener(m transport.Method, target transport.Target, fam *regmap.Map) recovery.Opener {
	return func(ctx context.Context) (transport.Session, error) {
		opts, err := transportOptions(m)
		if err != nil {
			return nil, err
		}
		opts.Map = fam
		s, err := transport.Open(ctx, m, target, opts)
		if err != nil {
			return nil, err
		}
		return metrics.Instrument(s, m), nil
	}
}

// recoveryMethod is --method when given and i2c otherwise: a switch that
// needs recovery does not enumerate, so the pcie default cannot reach it.
func recoveryMethod(cmd *cobra.Command) (transport.Method, error) {
	if !cmd.Flags().Changed("method") {
		return transport.MethodI2C, nil
	}
	return accessMethod()
}

func runRecover(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	fam, err := familyMap()
	if err != nil {
		return err
	}
	target, _, err := resolveProfile(recoverProfile, fam)
	if err != nil {
		return err
	}
	m, err := recoveryMethod(cmd)
	if err != nil {
		return err
	}

	w := recovery.New(fam, target, nil)
	w.MaxRetries = recoverRetries
	w.AllowUnverified = allowUnverified
	w.Log = log
	w.OnTransition = func(t recovery.Transition) {
		metrics.ObserveRecovery(t)
		fmt.Printf("[%s] %s\n", t.At.Format(time.TimeOnly), t)
	}
	w.OnProgress = func(done, total int) {
		if done == total || done%64 == 0 {
			fmt.Printf("  %d/%d dwords\n", done, total)
		}
	}

	if confirmBDF != "" {
		return confirm(ctx, w, m, fam)
	}

	t, err := accessTarget(m)
	if err != nil {
		return err
	}
	w.OpenI2C = opener(m, t, fam)
	fmt.Printf("Recovering %s at %s with profile %s\n", fam.Device.Name, t, target.Profile.Name)
	if err := w.Run(ctx); err != nil {
		return err
	}
	fmt.Println("EEPROM reprogrammed. Power-cycle the host, then run with --confirm BDF.")
	return nil
}

// confirm checks enumeration after a power cycle. The workflow has no
// memory across processes, so the reprogrammed state is re-established by
// reading the EEPROM header back over PCIe.
func confirm(ctx context.Context, w *recovery.Workflow, m transport.Method, fam *regmap.Map) error {
	if m != transport.MethodSim {
		m = transport.MethodPCIe
	}
	t, err := transport.ParseTarget(m, confirmBDF)
	if err != nil {
		return err
	}
	w.OpenPCIe = opener(m, t, fam)
	if err := w.Resume(ctx); err != nil {
		return err
	}
	if err := w.ConfirmPCIe(ctx); err != nil {
		return err
	}
	fmt.Printf("%s is back at %s.\n", fam.Device.Name, confirmBDF)
	return nil
}
