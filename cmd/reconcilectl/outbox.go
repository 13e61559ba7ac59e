package main

import (
	"fmt"
	"log"
	"os"

	"gateway-reconciler/config"
	"gateway-reconciler/internal/broker"
	"gateway-reconciler/internal/outbox"
	"gateway-reconciler/internal/worker"

	"github.com/spf13/cobra"
)

var flushOutboxCmd = &cobra.Command{
	Use:   "flush-outbox",
	Short: "Publish notification jobs spooled while the broker was down",
	Long: `Republish every job in the spool file given by --outbox-path, oldest first.
Jobs stay in the file until the broker accepts them. To flush the server's
own spool, stop the server and pass --outbox-path $OUTBOX_PATH.`,
	RunE: runFlushOutbox,
}

func runFlushOutbox(cmd *cobra.Command, args []string) error {
	log.SetOutput(os.Stderr)
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	path := cliOutboxPath(cfg)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Printf("Nothing spooled at %s\n", path)
		return nil
	}
	spool, err := outbox.Open(path)
	if err != nil {
		return fmt.Errorf("%s is locked by another process: %w", path, err)
	}
	defer spool.Close()

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotify)
	defer producer.Close()

	w := worker.NewOutboxWorker(spool, broker.NewEventPublisher(producer, nil), cfg.Outbox.FlushInterval)
	total := 0
	for {
		n, err := w.FlushOnce(cmd.Context())
		total += n
		if err != nil {
			return fmt.Errorf("flushed %d job(s) before failing: %w", total, err)
		}
		if n == 0 {
			break
		}
	}

	remaining, err := spool.Len()
	if err != nil {
		return err
	}
	fmt.Printf("flushed=%d remaining=%d\n", total, remaining)
	return nil
}
