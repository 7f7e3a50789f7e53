package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/gtmlake/internal/broker"
	"github.com/ashita-ai/gtmlake/internal/config"
)

func init() {
	topicsCmd.AddCommand(topicsListCmd, topicsCreateCmd)
	rootCmd.AddCommand(topicsCmd)
}

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "Inspect and provision ingestion topics",
}

var topicsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the topic table for the configured prefix",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return printTopics(cmd.OutOrStdout(), broker.NewTopics(cfg.TopicPrefix))
	},
}

var topicsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create the ingestion and dead-letter topics on Kafka",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cfg.Broker != config.BrokerKafka {
			logger.Info("topics: nothing to provision", "broker", cfg.Broker)
			return nil
		}
		k, err := broker.NewKafka(broker.KafkaConfig{
			Brokers:  cfg.KafkaBootstrapServers,
			GroupID:  cfg.ConsumerGroup,
			ClientID: "gtmlake-topics",
			Topics:   broker.NewTopics(cfg.TopicPrefix),
		}, logger)
		if err != nil {
			return err
		}
		defer func() { _ = k.Close() }()
		if err := k.CreateTopics(cmd.Context()); err != nil {
			return err
		}
		return printTopics(cmd.OutOrStdout(), k.Topics())
	},
}

func printTopics(w io.Writer, topics *broker.Topics) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tNAME\tPARTITIONS\tREPLICATION\tRETENTION")
	for _, t := range topics.All() {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", t.Type, t.Name, t.Partitions, t.ReplicationFactor, t.Retention)
	}
	return tw.Flush()
}
