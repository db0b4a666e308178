// Command recordvault is the admin CLI for offline maintenance: rebuilding
// the search index, running the orphan reconciliation pass once, and
// verifying a record's integrity across the three stores. The API server and
// the queue worker are separate binaries under cmd/server and cmd/worker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/recordvault/recordvault/internal/blobstore"
	"github.com/recordvault/recordvault/internal/config"
	"github.com/recordvault/recordvault/internal/coordinator"
	"github.com/recordvault/recordvault/internal/crypto"
	"github.com/recordvault/recordvault/internal/database"
	"github.com/recordvault/recordvault/internal/ledger"
	"github.com/recordvault/recordvault/internal/model"
	"github.com/recordvault/recordvault/internal/queue"
	"github.com/recordvault/recordvault/internal/repository"
	"github.com/recordvault/recordvault/internal/search"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "recordvault: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "recordvault",
		Short:        "RecordVault maintenance CLI",
		Long:         `recordvault runs offline maintenance against the record stores: search reindexing, orphan reconciliation, and per-record integrity verification.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newReindexCmd(),
		newReconcileCmd(),
		newVerifyCmd(),
	)
	return cmd
}

func newReindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the search index from the metadata store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, coord *coordinator.Coordinator) error {
				count, err := coord.Reindex(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("reindexed %d records\n", count)
				return nil
			})
		},
	}
}

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one orphan reconciliation pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, coord *coordinator.Coordinator) error {
				removed, err := coord.Reconcile(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("reclaimed %d orphaned blobs\n", removed)
				return nil
			})
		},
	}
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <record-id>",
		Short: "Verify a record's blob, metadata and ledger agree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, coord *coordinator.Coordinator) error {
				if err := coord.VerifyIntegrity(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("record %s verified\n", args[0])
				return nil
			})
		},
	}
}

// withStack builds the full store stack, runs fn, and tears everything down.
// Maintenance commands run without Redis: best-effort tasks are applied
// synchronously through the in-process queue shim.
func withStack(ctx context.Context, fn func(context.Context, *coordinator.Coordinator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "recordvault-cli").Logger()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		return err
	}
	repo := repository.NewRecordRepository(pool)

	blobs, err := blobstore.NewMinio(cfg)
	if err != nil {
		return err
	}

	ledgerClient, err := ledger.OpenBadger(cfg.LedgerPath)
	if err != nil {
		return err
	}
	defer ledgerClient.Close()

	cryptoSvc, err := crypto.NewService(cfg.MasterKey)
	if err != nil {
		return err
	}

	index := search.NewPostgresIndex(pool)
	coord := coordinator.New(repo, blobs, ledgerClient, cryptoSvc, index, inlineTasks{index: index, ledger: ledgerClient, repo: repo}, logger,
		coordinator.Options{
			VerifyLedgerOnRead: cfg.VerifyLedgerOnRead,
			MaxRecordSize:      cfg.MaxRecordSize,
			ReconcileGrace:     cfg.ReconcileGrace,
		})
	return fn(ctx, coord)
}

// inlineTasks applies background work synchronously so maintenance commands
// need no running worker.
type inlineTasks struct {
	index  search.Indexer
	ledger ledger.Client
	repo   *repository.RecordRepository
}

func (t inlineTasks) EnqueueIndex(ctx context.Context, payload queue.IndexPayload) error {
	rec, err := t.repo.Get(ctx, payload.RecordID)
	if err != nil {
		return err
	}
	return t.index.Index(ctx, searchDocument(rec, payload.Tokens))
}

func (t inlineTasks) EnqueueAudit(ctx context.Context, tx ledger.Transaction) error {
	_, err := t.ledger.Submit(ctx, tx)
	return err
}

func searchDocument(rec *model.Record, tokens []string) model.SearchDocument {
	return model.SearchDocument{
		ID:        rec.RecordID,
		Tokens:    search.MergeTokens(tokens, search.MetadataTokens(rec)),
		PatientID: rec.PatientID,
		CreatorID: rec.CreatorID,
		FileType:  rec.FileType,
		Status:    rec.Status,
		UpdatedAt: rec.UpdatedAt,
	}
}
