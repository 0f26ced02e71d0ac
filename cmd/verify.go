package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/TemporalDynamics/ecosign-sub001/tsa"
)

var (
	verifyToken     string
	verifyTokenFile string
	verifyHash      string
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify a timestamp token offline",
	Long: `Parses a base64 timestamp token and reports the hash it is bound to.
With --hash, the exit status is non-zero unless the token matches.`,
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().StringVar(&verifyToken, "token", "", "base64 timestamp token")
	verifyCmd.Flags().StringVar(&verifyTokenFile, "token-file", "", "file holding the base64 token")
	verifyCmd.Flags().StringVar(&verifyHash, "hash", "", "expected witness hash (hex)")
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	token := verifyToken
	if verifyTokenFile != "" {
		data, err := os.ReadFile(verifyTokenFile)
		if err != nil {
			return err
		}
		token = string(data)
	}
	if token == "" {
		return fmt.Errorf("one of --token or --token-file is required")
	}

	result, err := tsa.Verify(token, verifyHash)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if verifyHash != "" && !result.Verified() {
		return fmt.Errorf("token is bound to %s, not %s", result.TokenHash, tsa.NormalizeHash(verifyHash))
	}
	return nil
}
