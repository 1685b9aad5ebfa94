package cmd

import (
	"fmt"

	"print-studio/app/auth"
	"print-studio/app/config"

	"github.com/spf13/cobra"
)

var tokenOpts struct {
	userID string
	email  string
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "为指定用户签发调试用的 JWT",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		token, err := auth.NewJWTService(cfg.JWT).GenerateToken(tokenOpts.userID, tokenOpts.email)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVarP(&tokenOpts.userID, "user", "u", "", "用户 ID")
	tokenCmd.Flags().StringVarP(&tokenOpts.email, "email", "e", "", "邮箱")
	_ = tokenCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(tokenCmd)
}
