package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "vault-import",
	Short: "Import folders, records and sharing into a vault",
	Long: `vault-import reconciles an import document against a live vault.

Folders are created where missing, records are matched by content so
re-running an import never duplicates them, and shared folder grants are
brought in line with the document. Configuration comes from the
environment (or a .env file); see VAULT_SERVER_URL and VAULT_USERNAME.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(keyringCmd)
	rootCmd.AddCommand(logoutCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
