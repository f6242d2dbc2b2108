package main

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"github.com/example/biowallet/internal/embedding"
)

var encodeEmbedding string

var encodeCmd = &cobra.Command{
	Use:   "encode",
	Short: "Print the wallet registration arguments for an embedding",
	Long: `encode converts an embedding into the arguments the wallet factory stores
at registration: the facial hash and the scaled uint256[] values, plus the
ABI payload the validator contract later returns. Nothing is sent.`,
	Example: "  verifyctl encode --embedding 0.12,-0.03,0.88",
	RunE:    runEncode,
}

func init() {
	encodeCmd.Flags().StringVar(&encodeEmbedding, "embedding", "", "comma-separated embedding values")
	_ = encodeCmd.MarkFlagRequired("embedding")
	rootCmd.AddCommand(encodeCmd)
}

func runEncode(cmd *cobra.Command, args []string) error {
	e, err := parseEmbedding(encodeEmbedding)
	if err != nil {
		return err
	}
	reg, err := embedding.EncodeRegistration(e)
	if err != nil {
		return err
	}

	values := make([]string, len(reg.Values))
	for i, v := range reg.Values {
		values[i] = fmt.Sprintf("%.0f", v)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "facial hash: %s\n", reg.FacialHash.Hex())
	fmt.Fprintf(out, "values:      [%s]\n", strings.Join(values, ","))
	fmt.Fprintf(out, "payload:     %s\n", hexutil.Encode(reg.Payload))
	return nil
}
