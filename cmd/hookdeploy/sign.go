package main

import (
	"fmt"
	"io"
	"os"

	"hookdeploy/internal/config"
	"hookdeploy/internal/security"
	"hookdeploy/internal/server"

	"github.com/spf13/cobra"
)

var signSecret string

var signCmd = &cobra.Command{
	Use:   "sign [payload-file]",
	Short: "Print the X-Hub-Signature-256 header for a payload",
	Long: `Sign a webhook payload the way GitHub does, to re-trigger a deploy by hand.

The payload is read from the file argument, or stdin when omitted. The secret
defaults to HOOKDEPLOY_SECRET.`,
	Example: `  hookdeploy sign push.json
  curl -X POST http://localhost:8080/ \
    -H "X-GitHub-Event: push" \
    -H "X-Hub-Signature-256: $(hookdeploy sign push.json)" \
    --data-binary @push.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSign,
}

var genSecretCmd = &cobra.Command{
	Use:   "gen-secret",
	Short: "Generate a random webhook secret",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := security.GenerateSecret()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), secret)
		return nil
	},
}

func init() {
	signCmd.Flags().StringVar(&signSecret, "secret", os.Getenv(config.EnvPrefix+"_SECRET"), "Webhook secret")
}

func runSign(cmd *cobra.Command, args []string) error {
	if signSecret == "" {
		return fmt.Errorf("no secret given: use --secret or set %s_SECRET", config.EnvPrefix)
	}

	in := cmd.InOrStdin()
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	payload, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("failed to read payload: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), server.Sign(payload, signSecret))
	return nil
}
