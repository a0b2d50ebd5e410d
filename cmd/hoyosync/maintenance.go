package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Hoyotoon/HoyoToon-sub001/internal/maintenance"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/progress"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/syncer"
)

func newDeleteCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <partition>",
		Short: "Remove a partition's local files and cache record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.open(ctx); err != nil {
				return err
			}
			res, err := a.engine.DeletePartition(ctx, args[0])
			if err != nil {
				return maintenanceError(err)
			}
			printRemoval(cmd.OutOrStdout(), args[0], res)
			return nil
		},
	}
}

func newClearCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every partition's files and reset the cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.open(ctx); err != nil {
				return err
			}
			if err := a.engine.ClearCache(ctx); err != nil {
				return maintenanceError(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared")
			return nil
		},
	}
}

func newPurgeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Like clear, reporting how much space was freed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.open(ctx); err != nil {
				return err
			}
			res, err := a.engine.DeleteAll(ctx)
			if err != nil {
				return maintenanceError(err)
			}
			printRemoval(cmd.OutOrStdout(), "all partitions", res)
			return nil
		},
	}
}

func newVerifyCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [partition...]",
		Short: "Check cached files against the disk",
		Long: `Mark cache entries invalid when their file is gone or, for files
without a remote ETag, when the content no longer matches the recorded
checksum. Invalid files are fetched again by the next sync.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.open(ctx); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			var invalid int
			for _, key := range a.keys(args) {
				res, err := a.engine.Revalidate(ctx, key)
				if len(args) == 0 && errors.Is(err, syncer.ErrUnknownPartition) {
					fmt.Fprintf(out, "%s: nothing cached\n", key)
					continue
				}
				if err != nil {
					return maintenanceError(err)
				}
				fmt.Fprintf(out, "%s: %d checked, %d invalid\n", key, res.Checked, len(res.Invalidated))
				for _, p := range res.Invalidated {
					fmt.Fprintf(out, "  %s\n", p)
				}
				invalid += len(res.Invalidated)
			}
			if invalid > 0 {
				return withExitCode(ExitUpdatesPending, fmt.Errorf("%d file(s) need downloading again", invalid))
			}
			return nil
		},
	}
}

func printRemoval(w io.Writer, what string, res maintenance.Result) {
	fmt.Fprintf(w, "Deleted %d files (%s) from %s\n", res.FilesDeleted, progress.FormatBytes(res.BytesFreed), what)
	for _, err := range res.Errors {
		fmt.Fprintf(w, "  warning: %v\n", err)
	}
}

func maintenanceError(err error) error {
	if errors.Is(err, maintenance.ErrUnsafeRoot) {
		return withExitCode(ExitInvalidArgs, err)
	}
	return usageOrGeneral(err)
}
