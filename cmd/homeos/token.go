package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/homeos/internal/approval"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue or verify approval tokens",
}

var (
	tokenEnvelope  string
	tokenWorkspace string
	tokenUser      string
	tokenTTL       int
)

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Mint an approval token for one envelope",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSigner(cmd.Context(), func(s *approval.Signer) error {
			tok, err := s.Issue(tokenEnvelope, tokenWorkspace, tokenUser, tokenTTL)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok.Token)
			return nil
		})
	},
}

var tokenVerifyCmd = &cobra.Command{
	Use:   "verify <token>",
	Short: "Check a token's signature, expiry and envelope binding",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSigner(cmd.Context(), func(s *approval.Signer) error {
			payload, err := s.Verify(args[0], tokenEnvelope)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(payload, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenIssueCmd, tokenVerifyCmd)

	tokenCmd.PersistentFlags().StringVar(&tokenEnvelope, "envelope", "", "envelope id the token is bound to")
	_ = tokenCmd.MarkPersistentFlagRequired("envelope")
	tokenIssueCmd.Flags().StringVar(&tokenWorkspace, "workspace", "", "workspace id")
	tokenIssueCmd.Flags().StringVar(&tokenUser, "user", "", "approving user id")
	tokenIssueCmd.Flags().IntVar(&tokenTTL, "ttl", 0, "lifetime in seconds (default 300, max 3600)")
	_ = tokenIssueCmd.MarkFlagRequired("workspace")
	_ = tokenIssueCmd.MarkFlagRequired("user")
}

// withSigner opens the store only to unseal the signing key.
func withSigner(ctx context.Context, fn func(*approval.Signer) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Close(sctx)
	}()
	return fn(a.Approvals.Signer())
}
