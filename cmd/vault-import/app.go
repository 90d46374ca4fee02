package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/alexjbarnes/vault-import/internal/batch"
	"github.com/alexjbarnes/vault-import/internal/config"
	"github.com/alexjbarnes/vault-import/internal/credentials"
	"github.com/alexjbarnes/vault-import/internal/importer"
	"github.com/alexjbarnes/vault-import/internal/logging"
	"github.com/alexjbarnes/vault-import/internal/remote"
	"github.com/alexjbarnes/vault-import/internal/source"
	"github.com/alexjbarnes/vault-import/internal/state"
)

// app holds what every command shares: configuration, logger, local
// state and, once connected, the vault session.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	state  *state.State
	out    io.Writer

	// mu serializes imports so watch mode never overlaps runs across
	// documents.
	mu    sync.Mutex
	vault *remote.Vault
}

func newApp(out io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	var st *state.State
	if cfg.StatePath != "" {
		st, err = state.LoadAt(cfg.StatePath)
	} else {
		st, err = state.Load()
	}

	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	return &app{cfg: cfg, logger: logger, state: st, out: out}, nil
}

func (a *app) Close() error {
	return a.state.Close()
}

// connect opens the vault session on first use.
func (a *app) connect(ctx context.Context) (*remote.Vault, error) {
	if a.vault != nil {
		return a.vault, nil
	}

	password, src, err := credentials.NewResolver(nil, a.logger).Password(a.cfg.Username, a.cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("reading vault password: %w", err)
	}

	a.logger.Debug("vault password found", slog.String("source", string(src)))

	client := remote.NewClient(a.cfg.ServerURL, remote.NewHTTPClient(a.cfg.HTTPTimeout))

	v, err := remote.Open(ctx, client, a.state, a.cfg.Username, password, a.logger)
	if err != nil {
		return nil, err
	}

	a.vault = v

	return v, nil
}

func (a *app) engine(v *remote.Vault) *importer.Engine {
	return importer.New(v, a.logger,
		batch.WithChunkSize(a.cfg.BatchSize),
		batch.WithRateLimit(a.cfg.BatchRate, a.cfg.BatchBurst),
	)
}

// importDocument runs one import of path and records it in the history.
// Unless force is set, a document identical to the last successful
// import is skipped. It reports whether an import ran.
func (a *app) importDocument(ctx context.Context, path string, force bool) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	abs, err := filepath.Abs(path)
	if err != nil {
		return false, fmt.Errorf("resolving %s: %w", path, err)
	}

	digest, err := source.Digest(abs)
	if err != nil {
		return false, err
	}

	if !force {
		prev, err := a.state.Source(abs)
		if err != nil {
			return false, fmt.Errorf("reading import state: %w", err)
		}

		if prev != nil && prev.Digest == digest {
			a.logger.Info("document unchanged since last import, skipping",
				slog.String("path", abs),
				slog.Time("imported_at", prev.ImportedAt),
			)

			return false, nil
		}
	}

	b, err := source.Load(abs)
	if err != nil {
		return false, err
	}

	v, err := a.connect(ctx)
	if err != nil {
		return false, err
	}

	a.logger.Info("importing",
		slog.String("path", abs),
		slog.Int("records", len(b.Records)),
		slog.Int("shared_folders", len(b.SharedFolders)),
	)

	start := time.Now()
	sum, runErr := a.engine(v).Run(ctx, b)

	run := state.Run{
		Source:    abs,
		Digest:    digest,
		StartedAt: start.UTC(),
		Duration:  time.Since(start),
		Summary:   sum,
	}

	if runErr != nil {
		run.Error = runErr.Error()
	}

	id, err := a.state.AddRun(run)
	if err != nil {
		a.logger.Warn("recording run", slog.String("error", err.Error()))
	}

	if runErr != nil {
		return true, runErr
	}

	err = a.state.SetSource(state.Source{Path: abs, Digest: digest, ImportedAt: time.Now().UTC()})
	if err != nil {
		a.logger.Warn("recording imported digest", slog.String("error", err.Error()))
	}

	a.logger.Info("run recorded", slog.Uint64("id", id), slog.Duration("took", run.Duration))

	return true, writeJSON(a.out, sum)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}
