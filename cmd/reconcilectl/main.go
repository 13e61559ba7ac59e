package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"gateway-reconciler/config"
	"gateway-reconciler/internal/broker"
	"gateway-reconciler/internal/gateway"
	"gateway-reconciler/internal/outbox"
	"gateway-reconciler/internal/service"
	"gateway-reconciler/internal/store"
	"gateway-reconciler/internal/util"

	"github.com/spf13/cobra"
)

var Version = "dev"

var outboxPath string

func main() {
	rootCmd := &cobra.Command{
		Use:     "reconcilectl",
		Short:   "Operator tool for the gateway reconciler",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return util.InitLogger(os.Getenv("ENV"), os.Getenv("LOG_LEVEL"))
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			util.SyncLogger()
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&outboxPath, "outbox-path", "",
		"spool file for notifications the broker refused (default reconcilectl-outbox.db next to OUTBOX_PATH)")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(seedMerchantCmd)
	rootCmd.AddCommand(flushOutboxCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStore loads config and connects to the database
func openStore() (*config.Config, *store.Store, error) {
	log.SetOutput(os.Stderr)
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return cfg, db, nil
}

// cliOutboxPath keeps the tool off the server's spool file unless asked,
// since bolt allows one process per file.
func cliOutboxPath(cfg *config.Config) string {
	if outboxPath != "" {
		return outboxPath
	}
	return filepath.Join(filepath.Dir(cfg.Outbox.Path), "reconcilectl-outbox.db")
}

// engineDeps holds what a reconciliation engine needs outside the server
type engineDeps struct {
	engine   *service.ReconciliationEngine
	producer *broker.Producer
	spool    *outbox.Lazy
}

// Close reports jobs left in the spool so the operator knows to flush them
func (d *engineDeps) Close() {
	d.producer.Close()
	if n, err := d.spool.Len(); err == nil && n > 0 {
		fmt.Fprintf(os.Stderr, "%d notification job(s) spooled to %s; run reconcilectl flush-outbox --outbox-path %s\n",
			n, d.spool.Path(), d.spool.Path())
	}
	d.spool.Close()
}

func newEngine(cfg *config.Config, db *store.Store) (*engineDeps, error) {
	registry, err := gateway.NewRegistry(cfg.Gateways)
	if err != nil {
		return nil, fmt.Errorf("failed to build gateway adapters: %w", err)
	}
	spool := outbox.NewLazy(cliOutboxPath(cfg))
	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotify)
	queue := service.NewSpoolingQueue(broker.NewEventPublisher(producer, nil), spool)

	engine := service.NewReconciliationEngine(db, registry, queue, service.StaticSettings(service.Settings{
		RejectUnsignedCallbacks: cfg.Business.RejectUnsignedCallbacks,
		VerifyAmounts:           cfg.Business.VerifyCallbackAmounts,
		NotifyEnabled:           cfg.Business.NotifyEnabled,
	}))
	return &engineDeps{engine: engine, producer: producer, spool: spool}, nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
