package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/biowallet/internal/embedding"
)

var lookupIdentity string

var lookupCmd = &cobra.Command{
	Use:   "lookup",
	Short: "Show the registered embedding summary for an identity",
	RunE:  runLookup,
}

func init() {
	lookupCmd.Flags().StringVar(&lookupIdentity, "identity", "", "ENS-style name or wallet address")
	_ = lookupCmd.MarkFlagRequired("identity")
	rootCmd.AddCommand(lookupCmd)
}

func runLookup(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment(cmd.Context())
	if err != nil {
		return err
	}
	defer env.close()

	stored, err := env.identities.Lookup(cmd.Context(), lookupIdentity)
	if err != nil {
		return err
	}

	hash, err := embedding.Hash(stored.Embedding)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "identity:       %s\n", stored.Key)
	fmt.Fprintf(out, "address:        %s\n", stored.Address.Hex())
	fmt.Fprintf(out, "username:       %s\n", stored.Username)
	fmt.Fprintf(out, "facial hash:    %s\n", stored.FacialHash.Hex())
	fmt.Fprintf(out, "embedding hash: %s\n", hash.Hex())
	fmt.Fprintf(out, "dimensions:     %d\n", len(stored.Embedding))
	if !stored.RegisteredAt.IsZero() {
		fmt.Fprintf(out, "registered at:  %s\n", stored.RegisteredAt.UTC().Format(time.RFC3339))
	}
	return nil
}
