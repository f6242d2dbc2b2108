package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/biowallet/internal/app"
	"github.com/example/biowallet/internal/embedding"
	"github.com/example/biowallet/internal/usecase"
	"github.com/example/biowallet/internal/verification"
)

var (
	verifyIdentity  string
	verifyEmbedding string
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Compare a fresh embedding against an identity's registered one",
	Long: `verify submits the stored and fresh embeddings to the oracle, waits for
the request to be confirmed and polls for the similarity score. The outcome
is printed as JSON. Nothing is persisted.`,
	Example: "  verifyctl verify --identity alice.eaze.eth --embedding 0.12,-0.03,0.88",
	RunE:    runVerify,
}

func init() {
	verifyCmd.Flags().StringVar(&verifyIdentity, "identity", "", "ENS-style name or wallet address")
	verifyCmd.Flags().StringVar(&verifyEmbedding, "embedding", "", "comma-separated embedding values")
	_ = verifyCmd.MarkFlagRequired("identity")
	_ = verifyCmd.MarkFlagRequired("embedding")
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	fresh, err := parseEmbedding(verifyEmbedding)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	env, err := loadEnvironment(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	oracle, err := app.NewOracle(ctx, env.cfg, env.client, env.logger)
	if err != nil {
		return err
	}

	uc := usecase.NewVerificationUseCase(usecase.Dependencies{
		Identities: env.identities,
		Oracle:     oracle,
	}, app.UseCaseOptions(env.cfg), env.logger)

	fmt.Fprintf(cmd.ErrOrStderr(), "verifying %s (up to %s of polling after confirmation)\n",
		verifyIdentity, env.cfg.Oracle.PollBudget())

	outcome, err := uc.Verify(ctx, verifyIdentity, fresh)
	if err != nil {
		env.logger.Debug("verification failed", zap.Error(err))
		return fmt.Errorf("%s: %w", verification.KindOf(err), err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(outcome)
}

// parseEmbedding reads "1,2,3" into an embedding, allowing surrounding
// brackets and whitespace.
func parseEmbedding(raw string) (embedding.Embedding, error) {
	trimmed := strings.Trim(strings.TrimSpace(raw), "[]")
	if trimmed == "" {
		return nil, fmt.Errorf("embedding is empty")
	}
	parts := strings.Split(trimmed, ",")
	out := make(embedding.Embedding, 0, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("embedding value %d: %w", i, err)
		}
		out = append(out, v)
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
