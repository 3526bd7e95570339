package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"toolforge/internal/install"
	"toolforge/internal/store"
)

var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "Manage stored tools and installed environments",
	RunE:  runArtifactsList,
}

var artifactsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored tools",
	Args:  cobra.NoArgs,
	RunE:  runArtifactsList,
}

var artifactsShowCmd = &cobra.Command{
	Use:   "show <tool>",
	Short: "Print a stored tool's code",
	Args:  cobra.ExactArgs(1),
	RunE:  runArtifactsShow,
}

var artifactsRemoveCmd = &cobra.Command{
	Use:   "rm <tool>",
	Short: "Delete a stored tool and its cached runs",
	Args:  cobra.ExactArgs(1),
	RunE:  runArtifactsRemove,
}

var artifactsInstalledCmd = &cobra.Command{
	Use:   "installed",
	Short: "List installed environments",
	Args:  cobra.NoArgs,
	RunE:  runArtifactsInstalled,
}

func init() {
	artifactsCmd.AddCommand(artifactsListCmd, artifactsShowCmd, artifactsRemoveCmd, artifactsInstalledCmd)
}

func runArtifactsList(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), needStore)
	if err != nil {
		return err
	}
	defer a.Close()

	artifacts, err := a.store.ListArtifacts(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(artifacts) == 0 {
		fmt.Fprintln(out, "No tools stored.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tLANGUAGE\tVERIFIED\tATTEMPTS\tSNAPSHOT\tCREATED")
	for _, t := range artifacts {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%d\t%s\t%s\n",
			t.Name, t.Language, t.Verified, t.Attempts, t.Snapshot.Ref, t.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

func runArtifactsShow(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), needStore)
	if err != nil {
		return err
	}
	defer a.Close()

	t, err := a.store.Artifact(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("tool %s: %w", args[0], err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "# %s  (%s, digest %s, session %s)\n", t.Contract.Signature(), t.Language, t.Digest, t.Session)
	fmt.Fprintln(out, t.Code)
	return nil
}

func runArtifactsRemove(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), needStore)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if err := a.store.DeleteArtifact(ctx, args[0]); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no tool named %s", args[0])
		}
		return err
	}
	n, err := a.store.InvalidateRuns(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s (%d cached runs)\n", args[0], n)
	return nil
}

func runArtifactsInstalled(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), needStore)
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.store.ListInstalled(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(out, "No installed environments.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tREPOSITORY\tSNAPSHOT\tATTEMPTS\tCREATED")
	for _, rec := range records {
		env, err := install.FromRecord(rec)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			env.ID, rec.Repository, env.Snapshot.Ref, len(env.Steps), env.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}
