package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/vault-import/internal/watch"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var watchCmd = &cobra.Command{
	Use:   "watch <document>...",
	Short: "Re-import documents whenever they change",
	Long: `Import each document once, then watch them and re-import on change.

Imports never overlap, even across documents. A failed import is logged
and watching continues. Stop with Ctrl-C.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(cmd.Context())

	for _, path := range args {
		path := path

		importPath := func(ctx context.Context) error {
			_, err := a.importDocument(ctx, path, false)
			return err
		}

		w, err := watch.New(path, a.cfg.WatchDebounce, importPath, a.logger)
		if err != nil {
			return err
		}

		g.Go(func() error {
			if err := importPath(gctx); err != nil {
				a.logger.Warn("initial import failed", slog.String("path", path), slog.String("error", err.Error()))
			}

			return w.Watch(gctx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		a.logger.Info("watch stopped")
		return nil
	}

	if err != nil {
		return fmt.Errorf("watching: %w", err)
	}

	return nil
}
