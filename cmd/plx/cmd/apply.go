package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTracePLX/internal/metrics"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/eeprom"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/journal"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/plx"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/plxerr"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/reconcile"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/regmap"
)

var (
	applyDryRun    bool
	applyNoJournal bool
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the live port configuration",
	Args:  cobra.NoArgs,
	RunE:  runState,
}

var diffCmd = &cobra.Command{
	Use:   "diff PROFILE",
	Short: "Show the writes that would move the switch to a profile",
	Long: `Read the live port configuration and print the ordered, lane-safe write
sequence that reaches PROFILE. Nothing is written.`,
	Args: cobra.ExactArgs(1),
	RunE: runDiff,
}

var applyCmd = &cobra.Command{
	Use:   "apply PROFILE",
	Short: "Reconfigure a live switch to a profile",
	Long: `Move the switch to PROFILE with the lane-safe write sequence shown by diff.
Ports giving up lanes are taken down first, then ports gaining lanes are
brought up. Every write and the value it replaced is recorded in the journal
so the run can be rolled back.

Examples:
  plx apply pex8696-4to1 --target 03:00.0
  plx apply my-layout.plx --name lab --target 03:00.0 --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: runApply,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback RUN",
	Short: "Undo a journaled apply",
	Long: `Restore every register a run wrote to the value it held before, in reverse
order. RUN may be any unique prefix of the run ID.`,
	Args: cobra.ExactArgs(1),
	RunE: runRollback,
}

var journalCmd = &cobra.Command{
	Use:   "journal [RUN]",
	Short: "List journaled runs, or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJournal,
}

func init() {
	applyCmd.Flags().BoolVarP(&applyDryRun, "dry-run", "n", false, "print the writes without applying them")
	applyCmd.Flags().BoolVar(&applyNoJournal, "no-journal", false, "do not record the run")
	rootCmd.AddCommand(stateCmd, diffCmd, applyCmd, rollbackCmd, journalCmd)
}

func defaultJournalPath() (string, error) {
	if journalPath != "" {
		return journalPath, nil
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("locate journal: %w", err)
	}
	return filepath.Join(dir, "plx", "journal"), nil
}

func openJournal() (*journal.Journal, error) {
	path, err := defaultJournalPath()
	if err != nil {
		return nil, err
	}
	return journal.Open(path, log)
}

func printWrites(m *regmap.Map, writes []eeprom.Entry) {
	for i, w := range writes {
		fmt.Printf("  %3d  0x%08X  %-18s 0x%08X\n", i+1, m.Locate(w.Offset, w.Port), m.Name(w.Offset, w.Port), w.Value)
	}
}

func runState(cmd *cobra.Command, args []string) error {
	sw, err := openSwitch(cmd.Context())
	if err != nil {
		return err
	}
	defer sw.Close()
	st, err := reconcile.ReadState(sw, sw.Map())
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(st)
	}
	fmt.Printf("%s at %s\n", sw.Name(), sw.Target())
	for _, p := range st.Ports {
		if p.Enabled() || verbose > 0 {
			fmt.Printf("  %s\n", p)
		}
	}
	return nil
}

// plan reads the switch and computes the write sequence to arg.
func plan(sw *plx.Switch, arg string) ([]eeprom.Entry, string, error) {
	target, _, err := resolveProfile(arg, sw.Map())
	if err != nil {
		return nil, "", err
	}
	observed, err := reconcile.ReadState(sw, sw.Map())
	if err != nil {
		return nil, "", err
	}
	writes, err := reconcile.Diff(observed, target, sw.Map())
	if err != nil {
		return nil, "", err
	}
	return writes, target.Profile.Name, nil
}

func runDiff(cmd *cobra.Command, args []string) error {
	sw, err := openSwitch(cmd.Context())
	if err != nil {
		return err
	}
	defer sw.Close()
	writes, name, err := plan(sw, args[0])
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(writes)
	}
	if len(writes) == 0 {
		fmt.Printf("Switch already matches %s.\n", name)
		return nil
	}
	fmt.Printf("%d write(s) to reach %s:\n", len(writes), name)
	printWrites(sw.Map(), writes)
	return nil
}

func runApply(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	sw, err := openSwitch(ctx)
	if err != nil {
		return err
	}
	defer sw.Close()
	m := sw.Map()
	writes, name, err := plan(sw, args[0])
	if err != nil {
		return err
	}
	if len(writes) == 0 {
		fmt.Printf("Switch already matches %s.\n", name)
		return nil
	}
	if applyDryRun {
		fmt.Printf("Would apply %d write(s) to reach %s:\n", len(writes), name)
		printWrites(m, writes)
		return nil
	}

	opts := reconcile.Options{
		Log: log,
		OnWrite: func(seq int, e eeprom.Entry) {
			metrics.RegisterWritesApplied.Inc()
			log.V(1).Info("write landed", "seq", seq, "register", m.Name(e.Offset, e.Port), "value", e.Value)
		},
	}
	var rec *journal.Recorder
	if !applyNoJournal {
		j, err := openJournal()
		if err != nil {
			return err
		}
		defer j.Close()
		rec, err = j.Begin(journal.Run{Family: m.Device.Tag, Target: sw.Target().String(), Profile: name})
		if err != nil {
			return err
		}
		opts.Journal = rec
	}

	start := time.Now()
	err = reconcile.Apply(ctx, metrics.Instrument(sw, sw.Method()), writes, m, opts)
	metrics.ObserveApply(err)
	if rec != nil {
		if ferr := rec.Finish(err); ferr != nil {
			log.Error(ferr, "journal finish", "run", rec.ID())
		}
	}
	if err != nil {
		var perr *reconcile.PartialError
		if errors.As(err, &perr) {
			fmt.Printf("Partially applied: %d of %d write(s), ports %v fully moved.\n",
				len(perr.Completed), len(writes), perr.Ports)
			if rec != nil {
				fmt.Printf("Undo with: plx rollback %s\n", rec.ID()[:8])
			}
		}
		return err
	}
	fmt.Printf("Applied %s: %d write(s) in %v.\n", name, len(writes), time.Since(start).Round(time.Millisecond))
	if rec != nil {
		fmt.Printf("Run %s\n", rec.ID())
	}
	return nil
}

func runRollback(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()
	run, writes, err := j.Rollback(args[0])
	if err != nil {
		return err
	}
	if familyTag == "" {
		familyTag = run.Family
	}
	sw, err := openSwitch(ctx)
	if err != nil {
		return err
	}
	defer sw.Close()
	if sw.Family() != run.Family {
		return plxerr.New(plxerr.InvalidConfiguration, "rollback",
			fmt.Sprintf("run %s was on a %s, switch is a %s", run.ID, run.Family, sw.Family()))
	}
	if len(writes) == 0 {
		fmt.Printf("Run %s wrote nothing.\n", run.ID)
		return j.MarkRolledBack(run.ID)
	}

	rec, err := j.Begin(journal.Run{Family: run.Family, Target: sw.Target().String(), RollbackOf: run.ID})
	if err != nil {
		return err
	}
	err = reconcile.Apply(ctx, metrics.Instrument(sw, sw.Method()), writes, sw.Map(), reconcile.Options{Log: log, Journal: rec})
	metrics.ObserveApply(err)
	if ferr := rec.Finish(err); ferr != nil {
		log.Error(ferr, "journal finish", "run", rec.ID())
	}
	if err != nil {
		return err
	}
	if err := j.MarkRolledBack(run.ID); err != nil {
		return err
	}
	fmt.Printf("Rolled back %s: %d write(s) restored.\n", run.ID, len(writes))
	return nil
}

func runJournal(cmd *cobra.Command, args []string) error {
	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()
	if len(args) == 1 {
		run, writes, err := j.Run(args[0])
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(struct {
				journal.Run
				Entries []journal.Write `json:"entries"`
			}{run, writes})
		}
		printRun(run)
		for _, w := range writes {
			status := "ok"
			if !w.Landed() {
				status = w.Error
			}
			fmt.Printf("  %3d  0x%08X  0x%08X -> 0x%08X  %s\n", w.Seq, w.Addr, w.Prev, w.Value, status)
		}
		return nil
	}
	runs, err := j.Runs()
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(runs)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}
	for _, r := range runs {
		printRun(r)
	}
	return nil
}

func printRun(r journal.Run) {
	what := r.Profile
	if r.RollbackOf != "" {
		what = "rollback of " + r.RollbackOf[:8]
	}
	fmt.Printf("%s  %s  %-11s %-10s %-14s %3d write(s)  %s\n",
		r.ID[:8], r.Started.Format(time.RFC3339), r.Status, r.Family, r.Target, r.Writes, what)
}
