package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/aria/internal/policy"
)

var (
	tokenTier string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue and inspect access tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue [subject-id]",
	Short: "Issue a signed access token for a subject",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if !knownTier(tokenTier) {
			fmt.Printf("Unknown tier %q (use %s, %s, or %s)\n",
				tokenTier, policy.FreePolicy.Tier, policy.PremiumPolicy.Tier, policy.EnterprisePolicy.Tier)
			os.Exit(1)
		}

		gate, s := localGate()
		defer s.Close()

		if cmd.Flags().Changed("ttl") {
			gate.SetTTL(tokenTTL)
		}

		token, exp, err := gate.Issue(args[0], tokenTier)
		if err != nil {
			fmt.Printf("Failed to issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		fmt.Printf("subject: %s\ntier:    %s\nexpires: %s\n", args[0], tokenTier, exp.Format(time.RFC3339))
	},
}

var tokenInspectCmd = &cobra.Command{
	Use:   "inspect [token]",
	Short: "Verify a token and print its claims",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		gate, s := localGate()
		defer s.Close()

		ident, err := gate.Verify(args[0])
		if err != nil {
			fmt.Printf("Invalid token: %v\n", err)
			os.Exit(1)
		}
		needs, reason := gate.NeedsRefresh(args[0])
		fmt.Printf("subject: %s\ntier:    %s\nissued:  %s\nexpires: %s\nrefresh: %v (%s)\n",
			ident.SubjectID, ident.Tier,
			ident.IssuedAt.Format(time.RFC3339), ident.ExpiresAt.Format(time.RFC3339),
			needs, reason)
	},
}

var tokenRefreshCmd = &cobra.Command{
	Use:   "refresh [token]",
	Short: "Exchange a token for a fresh one",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		gate, s := localGate()
		defer s.Close()

		token, exp, err := gate.Refresh(args[0])
		if err != nil {
			fmt.Printf("Failed to refresh token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		fmt.Printf("expires: %s\n", exp.Format(time.RFC3339))
	},
}

func knownTier(tier string) bool {
	switch tier {
	case policy.FreePolicy.Tier, policy.PremiumPolicy.Tier, policy.EnterprisePolicy.Tier:
		return true
	}
	return false
}

func init() {
	RootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenIssueCmd)
	tokenCmd.AddCommand(tokenInspectCmd)
	tokenCmd.AddCommand(tokenRefreshCmd)
	tokenIssueCmd.Flags().StringVarP(&tokenTier, "tier", "t", policy.FreePolicy.Tier, "Subject tier (free, premium, enterprise)")
	tokenIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (default 12h)")
}
