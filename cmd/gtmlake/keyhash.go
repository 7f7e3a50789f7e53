package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/gtmlake/internal/auth"
)

func init() {
	keyhashCmd.Flags().String("client", "", "client id to prefix the hash with")
	rootCmd.AddCommand(keyhashCmd)
}

var keyhashCmd = &cobra.Command{
	Use:   "keyhash [KEY]",
	Short: "Print an Argon2id hash of an API key for GTM_API_KEY_HASHES",
	Long: `Hash an API key. The key is read from the argument or, when absent,
from the first line of stdin so it stays out of shell history.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := cmd.Flags().GetString("client")
		key := ""
		if len(args) == 1 {
			key = args[0]
		} else {
			var err error
			if key, err = readKey(cmd.InOrStdin()); err != nil {
				return err
			}
		}
		line, err := keyHashLine(client, key)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
		return nil
	},
}

func readKey(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read key: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// keyHashLine returns "client:hash", or the bare hash without a client.
func keyHashLine(client, key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("key must not be empty")
	}
	if strings.ContainsAny(client, ":,") {
		return "", fmt.Errorf("client id must not contain ':' or ','")
	}
	hash, err := auth.HashAPIKey(key)
	if err != nil {
		return "", err
	}
	if client == "" {
		return hash, nil
	}
	return client + ":" + hash, nil
}
