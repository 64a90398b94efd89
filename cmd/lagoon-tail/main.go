package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/lagoon-io/lagoon"
)

// logConfig configures console logging.
type logConfig struct {
	Level  string `long:"log.level" env:"LOG_LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
	Format string `long:"log.format" env:"LOG_FORMAT" default:"text" choice:"json" choice:"text" description:"Logging output format"`
}

func (c logConfig) init() {
	if lvl, err := log.ParseLevel(c.Level); err == nil {
		log.SetLevel(lvl)
	}
	if c.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
}

type cmdTail struct {
	lagoon.Config
	Log logConfig `group:"Logging" namespace:"" env-namespace:""`
}

func (cmd cmdTail) Execute(_ []string) error {
	cmd.Log.init()

	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var client, err = lagoon.NewClient(ctx, cmd.Config)
	if err != nil {
		return fmt.Errorf("building client: %w", err)
	}
	if err = client.Start(ctx); err != nil {
		return fmt.Errorf("starting client: %w", err)
	}
	defer client.Stop()

	var enc = json.NewEncoder(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-client.Events():
			switch e := event.(type) {
			case *lagoon.RecordBatch:
				for _, rec := range e.Records {
					if err := enc.Encode(rec); err != nil {
						return err
					}
				}
			case *lagoon.ErrorEvent:
				log.WithError(e.Err).WithField("shard", e.ShardID).Error("read error")
			case *lagoon.StatsEvent:
				log.WithField("stats", e.Stats).Info("stats")
			case *lagoon.NoticeEvent:
				log.WithFields(log.Fields{"name": e.Name, "shard": e.ShardID}).Info("notice")
			}
		}
	}
}

type cmdPut struct {
	lagoon.Config
	Log logConfig `group:"Logging" namespace:"" env-namespace:""`

	PartitionKey string `long:"partition-key" description:"Partition key applied to every line. Derived from content when empty"`
}

func (cmd cmdPut) Execute(_ []string) error {
	cmd.Log.init()

	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var client, err = lagoon.NewClient(ctx, cmd.Config)
	if err != nil {
		return fmt.Errorf("building client: %w", err)
	}
	if err = client.Start(ctx); err != nil {
		return fmt.Errorf("starting client: %w", err)
	}
	defer client.Stop()

	var scanner = bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var result, err = client.PutRecord(ctx, lagoon.Submission{
			Data:         scanner.Text(),
			PartitionKey: cmd.PartitionKey,
		})
		if err != nil {
			return fmt.Errorf("writing record: %w", err)
		}
		log.WithFields(log.Fields{
			"sequenceNumber": result.SequenceNumber,
			"shard":          result.ShardID,
		}).Debug("wrote record")
	}
	return scanner.Err()
}

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	_, _ = parser.AddCommand("tail", "Tail a stream to stdout", `
Join the consumer group and print each decoded record to stdout as one
JSON document per line, until signaled to exit (via SIGTERM).
`, &cmdTail{})

	_, _ = parser.AddCommand("put", "Write stdin lines to a stream", `
Read lines from stdin and write each as one record.
`, &cmdPut{})

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(0)
		}
		log.WithError(err).Fatal("exiting")
	}
}
