package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/Hoyotoon/HoyoToon-sub001/internal/plan"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/progress"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/syncer"
)

func addProgressFlags(cmd *cobra.Command, a *app) {
	cmd.Flags().BoolP("quiet", "q", false, "do not print progress")
	cmd.Flags().DurationVar(&a.progressInterval, "progress-interval", 2*time.Second, "how often progress is printed")
}

// progressOutput returns where progress goes, or nil with --quiet.
func progressOutput(cmd *cobra.Command) io.Writer {
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		return nil
	}
	return cmd.ErrOrStderr()
}

func newStatusCommand(a *app) *cobra.Command {
	var ifDue bool

	cmd := &cobra.Command{
		Use:   "status [partition...]",
		Short: "Check which partitions have updates",
		Long: `Discover every share and compare it with the local cache without
changing any file. Exits with code 5 when updates are pending.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.open(ctx); err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if ifDue {
				due, err := a.engine.UpdateCheckDue(ctx)
				if err != nil {
					return withExitCode(ExitStorageError, err)
				}
				if !due {
					fmt.Fprintln(out, "Update check not due yet")
					return nil
				}
			}

			st, err := a.engine.CheckStatus(ctx, args)
			if err != nil {
				if st == nil {
					return usageOrGeneral(err)
				}
				return withExitCode(ExitStorageError, err)
			}
			printStatus(out, st)

			switch {
			case len(st.Failed) > 0:
				return withExitCode(ExitSyncFailed, fmt.Errorf("%d partition(s) could not be checked", len(st.Failed)))
			case len(st.NeedsSync) > 0:
				return withExitCode(ExitUpdatesPending, fmt.Errorf("%d partition(s) need syncing", len(st.NeedsSync)))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&ifDue, "if-due", false, "only check when the update check interval has passed")
	return cmd
}

func printStatus(w io.Writer, st *syncer.Status) {
	for _, key := range st.UpToDate {
		fmt.Fprintf(w, "%s: up to date\n", key)
	}
	missing := make(map[string]bool, len(st.MissingPartitions))
	for _, key := range st.MissingPartitions {
		missing[key] = true
	}
	for _, p := range st.Plans() {
		if missing[p.PartitionKey] {
			fmt.Fprintf(w, "%s: not downloaded yet, %d files (%s)\n",
				p.PartitionKey, len(p.Fetch), progress.FormatBytes(p.TotalBytes()))
			continue
		}
		fmt.Fprintf(w, "%s: %s\n", p.PartitionKey, describePlan(p))
	}

	failed := make([]string, 0, len(st.Failed))
	for key := range st.Failed {
		failed = append(failed, key)
	}
	sort.Strings(failed)
	for _, key := range failed {
		fmt.Fprintf(w, "%s: check failed: %v\n", key, st.Failed[key])
	}
}

func describePlan(p *plan.Plan) string {
	return fmt.Sprintf("%d missing, %d outdated, %d deleted (%s to download)",
		len(p.Missing), len(p.Outdated), len(p.Deleted), progress.FormatBytes(p.TotalBytes()))
}

func newSyncCommand(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "sync [partition...]",
		Short: "Download and remove files so partitions match their shares",
		Long: `Synchronize the named partitions, or all configured partitions when
none are named. Partitions are independent: a failure in one does not stop
the others.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.open(ctx); err != nil {
				return err
			}
			a.progressOut = progressOutput(cmd)

			report, err := a.engine.Sync(ctx, a.keys(args), force)
			a.stopReporter()
			if err != nil {
				return usageOrGeneral(err)
			}
			return finishReport(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "download every file again")
	addProgressFlags(cmd, a)
	return cmd
}

func newApplyCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply [partition...]",
		Short: "Check for updates and apply all pending changes together",
		Long: `Run an update check and then apply every pending change across the
named partitions, reporting progress as a single task.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.open(ctx); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			a.progressOut = progressOutput(cmd)

			st, err := a.engine.CheckStatus(ctx, args)
			if err != nil {
				if st == nil {
					return usageOrGeneral(err)
				}
				return withExitCode(ExitStorageError, err)
			}
			for key, ferr := range st.Failed {
				fmt.Fprintf(out, "%s: check failed: %v\n", key, ferr)
			}

			plans := st.Plans()
			if len(plans) == 0 {
				fmt.Fprintln(out, "Everything is up to date")
				if len(st.Failed) > 0 {
					return withExitCode(ExitSyncFailed, errors.New("some partitions could not be checked"))
				}
				return nil
			}

			report, err := a.engine.Apply(ctx, plans)
			a.stopReporter()
			if err != nil {
				return usageOrGeneral(err)
			}
			if err := finishReport(out, report); err != nil {
				return err
			}
			if len(st.Failed) > 0 {
				return withExitCode(ExitSyncFailed, errors.New("some partitions could not be checked"))
			}
			return nil
		},
	}
	addProgressFlags(cmd, a)
	return cmd
}

func finishReport(w io.Writer, report *syncer.Report) error {
	fmt.Fprintln(w, report.Summary())
	if report.SaveErr != nil {
		return withExitCode(ExitStorageError, report.SaveErr)
	}
	if err := report.Err(); err != nil {
		return withExitCode(ExitSyncFailed, err)
	}
	return nil
}

// usageOrGeneral maps engine misuse errors to ExitInvalidArgs.
func usageOrGeneral(err error) error {
	switch {
	case errors.Is(err, syncer.ErrNoPartitions),
		errors.Is(err, syncer.ErrUnknownPartition),
		errors.Is(err, syncer.ErrDuplicatePartition):
		return withExitCode(ExitInvalidArgs, err)
	}
	return err
}
