package main

import (
	"fmt"
	"time"

	"github.com/anvaya/chatrelay/internal/auth"

	"github.com/spf13/cobra"
)

func init() {
	tokenCmd.Flags().String("secret", "", "HMAC signing secret (required)")
	tokenCmd.Flags().String("kid", auth.DefaultKid, "key id placed in the token header")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("secret")

	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a development token for --user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetString("secret")
		kid, _ := cmd.Flags().GetString("kid")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		mgr := auth.NewJWTManagerFromKeys(map[string]string{kid: secret}, kid, ttl)
		tok, exp, err := mgr.GenerateToken(opts.user)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
		return nil
	},
}
