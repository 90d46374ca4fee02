package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/alexjbarnes/vault-import/internal/credentials"
	"github.com/alexjbarnes/vault-import/internal/source"
	"github.com/alexjbarnes/vault-import/internal/state"
	"github.com/spf13/cobra"
)

var (
	forceImport  bool
	historyLimit int
	historyJSON  bool
)

var runCmd = &cobra.Command{
	Use:   "run <document>",
	Short: "Import a document into the vault",
	Long: `Import a JSON or YAML document into the vault.

A document whose content has not changed since its last successful import
is skipped unless --force is given. Re-importing is always safe: existing
folders and records are matched rather than duplicated.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

var planCmd = &cobra.Command{
	Use:   "plan <document>",
	Short: "Show what an import would change without changing anything",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlan,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List previous imports",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var keyringCmd = &cobra.Command{
	Use:   "keyring",
	Short: "Manage the vault password stored in the OS keyring",
}

var keyringSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store the vault password for VAULT_USERNAME",
	Args:  cobra.NoArgs,
	RunE:  runKeyringSet,
}

var keyringDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Remove the stored vault password for VAULT_USERNAME",
	Args:  cobra.NoArgs,
	RunE:  runKeyringDelete,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the cached vault session",
	Args:  cobra.NoArgs,
	RunE:  runLogout,
}

func init() {
	runCmd.Flags().BoolVar(&forceImport, "force", false, "Import even if the document is unchanged")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to show (0 for all)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print runs as JSON")

	keyringCmd.AddCommand(keyringSetCmd)
	keyringCmd.AddCommand(keyringDeleteCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.Close()

	_, err = a.importDocument(cmd.Context(), args[0], forceImport)

	return err
}

func runPlan(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.Close()

	b, err := source.Load(args[0])
	if err != nil {
		return err
	}

	v, err := a.connect(cmd.Context())
	if err != nil {
		return err
	}

	plan, err := a.engine(v).Plan(cmd.Context(), b)
	if err != nil {
		return err
	}

	return writeJSON(a.out, plan)
}

func runHistory(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.Close()

	runs, err := a.state.Runs(historyLimit)
	if err != nil {
		return fmt.Errorf("reading history: %w", err)
	}

	if historyJSON {
		return writeJSON(a.out, runs)
	}

	return printHistory(a, runs)
}

func printHistory(a *app, runs []state.Run) error {
	if len(runs) == 0 {
		fmt.Fprintln(a.out, "no imports recorded")
		return nil
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tDURATION\tOPS\tADDED\tMATCHED\tFAILED\tSOURCE\tERROR")

	for _, r := range runs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.ID,
			r.StartedAt.Local().Format(time.DateTime),
			r.Duration.Round(time.Millisecond),
			r.Summary.Operations(),
			r.Summary.RecordsAdded,
			r.Summary.RecordsMatched,
			r.Summary.Batch.Failed+r.Summary.Batch.Dropped,
			r.Source,
			r.Error,
		)
	}

	return tw.Flush()
}

func runKeyringSet(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.Close()

	password, err := credentials.TerminalPrompt(fmt.Sprintf("Vault password for %s: ", a.cfg.Username))
	if err != nil {
		return err
	}

	if password == "" {
		return fmt.Errorf("empty password, nothing stored")
	}

	if err := credentials.SavePassword(a.cfg.Username, password); err != nil {
		return fmt.Errorf("storing password: %w", err)
	}

	fmt.Fprintf(os.Stderr, "password stored for %s\n", a.cfg.Username)

	return nil
}

func runKeyringDelete(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := credentials.DeletePassword(a.cfg.Username); err != nil {
		return fmt.Errorf("deleting password: %w", err)
	}

	fmt.Fprintf(os.Stderr, "password removed for %s\n", a.cfg.Username)

	return nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.Close()

	v, err := a.connect(cmd.Context())
	if err != nil {
		return err
	}

	return v.Close(cmd.Context())
}
