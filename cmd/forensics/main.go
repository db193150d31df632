// Package main provides the forensics CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/chain"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/config"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/engine"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/journal"
	"github.com/rohteemie/Open-Source-Blockchain-Forensics/pkg/storage"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "forensics",
		Short: "Blockchain address clustering engine",
		Long: `forensics groups blockchain addresses into ownership entities from
on-chain evidence.

Heuristic evaluators (common-input-ownership, change detection,
behavioral patterns) emit weighted evidence over address pairs; the
clustering core merges entities only when the evidence clears the
acceptance threshold, journals every merge, and can reverse recent
merges without a rebuild.`,
	}
	rootCmd.PersistentFlags().String("config", "", "YAML config file (overlaid on FORENSICS_* environment)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("forensics v%s (%s)\n", version, commit)
		},
	})

	ingestCmd := &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Ingest transaction batches from JSONL files",
		Long: `Ingest reads one transaction per line from each file (use "-" for
stdin), runs the heuristic evaluators, applies accepted merges and
journals every change. Rerunning over the same files is idempotent.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runIngest,
	}
	ingestCmd.Flags().String("mirror-dir", "", "BadgerDB mirror directory (optional)")
	rootCmd.AddCommand(ingestCmd)

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild the BadgerDB mirror from the journal",
		Long: `Replay reads the change log and applies every merge and undo to the
mirror store, resuming after the mirror's last applied sequence.`,
		RunE: runReplay,
	}
	replayCmd.Flags().String("mirror-dir", "data/mirror", "BadgerDB mirror directory")
	rootCmd.AddCommand(replayCmd)

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show journal and mirror statistics",
		RunE:  runStats,
	}
	statsCmd.Flags().String("mirror-dir", "", "BadgerDB mirror directory (optional)")
	rootCmd.AddCommand(statsCmd)

	lookupCmd := &cobra.Command{
		Use:   "lookup [address]",
		Short: "Look up an address's entity in the mirror",
		Args:  cobra.ExactArgs(1),
		RunE:  runLookup,
	}
	lookupCmd.Flags().String("mirror-dir", "data/mirror", "BadgerDB mirror directory")
	rootCmd.AddCommand(lookupCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig builds the effective config: defaults, environment, then
// the optional --config YAML overlay.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.LoadFromEnv()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	eng, err := engine.New(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	var detach func() error
	if mirrorDir, _ := cmd.Flags().GetString("mirror-dir"); mirrorDir != "" {
		mirror, err := storage.NewBadgerEngine(storage.BadgerOptions{DataDir: mirrorDir})
		if err != nil {
			return err
		}
		defer mirror.Close()
		detach = eng.AttachMirror(mirror)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("forensics v%s\n", version)
	fmt.Printf("  config: %s\n", cfg)

	for _, path := range args {
		txs, err := readTransactions(path)
		if err != nil {
			return err
		}
		res, err := eng.Ingest(ctx, txs)
		if err != nil {
			return fmt.Errorf("ingest %s: %w", path, err)
		}
		fmt.Printf("  %s: %d tx, %d evidence (%d dup), %d merged, %d rejected, %d skipped\n",
			path, res.Transactions, res.Evidence, res.Duplicates,
			res.Accepted, res.Rejected, len(res.Skipped))
	}

	if detach != nil {
		if err := detach(); err != nil {
			return fmt.Errorf("mirror: %w", err)
		}
	}

	stats := eng.Stats()
	fmt.Printf("  entities: %d across %d addresses\n", stats.Cluster.Entities, stats.Cluster.Addresses)
	return nil
}

func readTransactions(path string) ([]*chain.Transaction, error) {
	if path == "-" {
		return chain.ReadBatch(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return chain.ReadBatch(f)
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	mirrorDir, _ := cmd.Flags().GetString("mirror-dir")

	records, err := journal.ReadFile(filepath.Join(cfg.JournalDir, journal.FileName))
	if err != nil {
		return err
	}

	mirror, err := storage.NewBadgerEngine(storage.BadgerOptions{DataDir: mirrorDir})
	if err != nil {
		return err
	}
	defer mirror.Close()

	before, _ := mirror.LastSeq()
	applied, err := storage.Replay(records, mirror)
	if err != nil {
		return err
	}
	after, _ := mirror.LastSeq()
	entities, _ := mirror.Entities()
	addresses, _ := mirror.Addresses()

	fmt.Printf("replayed %d change records (seq %d -> %d)\n", applied, before, after)
	fmt.Printf("mirror: %d entities, %d clustered addresses\n", entities, addresses)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	path := filepath.Join(cfg.JournalDir, journal.FileName)
	records, err := journal.ReadFile(path)
	if err != nil {
		return err
	}
	var changes, diagnostics int
	for _, rec := range records {
		switch rec.Kind {
		case journal.KindChange:
			changes++
		case journal.KindDiagnostic:
			diagnostics++
		}
	}
	fmt.Printf("journal %s: %d records (%d changes, %d diagnostics)\n",
		path, len(records), changes, diagnostics)

	if mirrorDir, _ := cmd.Flags().GetString("mirror-dir"); mirrorDir != "" {
		mirror, err := storage.NewBadgerEngine(storage.BadgerOptions{DataDir: mirrorDir})
		if err != nil {
			return err
		}
		defer mirror.Close()
		seq, _ := mirror.LastSeq()
		entities, _ := mirror.Entities()
		addresses, _ := mirror.Addresses()
		fmt.Printf("mirror %s: seq %d, %d entities, %d clustered addresses\n",
			mirrorDir, seq, entities, addresses)
	}
	return nil
}

func runLookup(cmd *cobra.Command, args []string) error {
	mirrorDir, _ := cmd.Flags().GetString("mirror-dir")
	addr := chain.Address(args[0])

	mirror, err := storage.NewBadgerEngine(storage.BadgerOptions{DataDir: mirrorDir})
	if err != nil {
		return err
	}
	defer mirror.Close()

	id, err := mirror.EntityOf(addr)
	if err != nil {
		return err
	}
	rec, err := mirror.Entity(id)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
