package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/openclaw-oversight/oversight-go/internal/secret"
)

const secretsTimeout = 30 * time.Second

// GetSecretsCommand returns the secrets management command. LLM keys, the
// gateway API key, and event-store credentials are referenced from config as
// ${keyring:NAME} and stored here.
func GetSecretsCommand() *cobra.Command {
	secretsCmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage secrets stored in the OS keyring",
		Long:  "Store, retrieve, and manage secrets using the operating system's secure keyring (Keychain on macOS, Secret Service on Linux, WinCred on Windows)",
	}

	secretsCmd.AddCommand(getSecretsSetCommand())
	secretsCmd.AddCommand(getSecretsGetCommand())
	secretsCmd.AddCommand(getSecretsDeleteCommand())
	secretsCmd.AddCommand(getSecretsListCommand())

	return secretsCmd
}

func getSecretsSetCommand() *cobra.Command {
	var (
		secretType string
		fromEnv    string
	)

	cmd := &cobra.Command{
		Use:   "set <name> [value]",
		Short: "Store a secret in the keyring",
		Long:  "Store a secret in the OS keyring. If no value is provided, prompts for input without echo.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(_ *cobra.Command, args []string) error {
			name := args[0]
			var value string

			switch {
			case len(args) >= 2:
				value = args[1]
			case fromEnv != "":
				value = os.Getenv(fromEnv)
				if value == "" {
					return fmt.Errorf("environment variable %s is not set or empty", fromEnv)
				}
			default:
				fmt.Print("Enter secret value: ")
				var err error
				value, err = readPassword()
				if err != nil {
					return fmt.Errorf("failed to read secret: %w", err)
				}
			}

			if value == "" {
				return fmt.Errorf("secret value cannot be empty")
			}

			resolver := secret.NewResolver()
			ctx, cancel := context.WithTimeout(context.Background(), secretsTimeout)
			defer cancel()

			ref := secret.SecretRef{Type: secretType, Name: name}
			if err := resolver.Store(ctx, ref, value); err != nil {
				return fmt.Errorf("failed to store secret: %w", err)
			}

			fmt.Printf("Secret '%s' stored successfully in %s\n", name, secretType)
			fmt.Printf("Use in config: ${%s:%s}\n", secretType, name)
			return nil
		},
	}

	cmd.Flags().StringVar(&secretType, "type", "keyring", "Secret provider type (keyring, env)")
	cmd.Flags().StringVar(&fromEnv, "from-env", "", "Read value from environment variable")

	return cmd
}

func getSecretsGetCommand() *cobra.Command {
	var (
		secretType string
		masked     bool
	)

	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Retrieve a secret from the keyring",
		Long:  "Retrieve a secret from the OS keyring. By default, output is masked for security.",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			name := args[0]

			resolver := secret.NewResolver()
			ctx, cancel := context.WithTimeout(context.Background(), secretsTimeout)
			defer cancel()

			value, err := resolver.Resolve(ctx, secret.SecretRef{Type: secretType, Name: name})
			if err != nil {
				return fmt.Errorf("failed to retrieve secret: %w", err)
			}

			if masked {
				fmt.Printf("%s: %s\n", name, secret.MaskSecretValue(value))
			} else {
				fmt.Printf("%s: %s\n", name, value)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&secretType, "type", "keyring", "Secret provider type (keyring, env)")
	cmd.Flags().BoolVar(&masked, "masked", true, "Mask the secret value in output")

	return cmd
}

func getSecretsDeleteCommand() *cobra.Command {
	var secretType string

	cmd := &cobra.Command{
		Use:   "del <name>",
		Short: "Delete a secret from the keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			name := args[0]

			resolver := secret.NewResolver()
			ctx, cancel := context.WithTimeout(context.Background(), secretsTimeout)
			defer cancel()

			if err := resolver.Delete(ctx, secret.SecretRef{Type: secretType, Name: name}); err != nil {
				return fmt.Errorf("failed to delete secret: %w", err)
			}

			fmt.Printf("Secret '%s' deleted successfully from %s\n", name, secretType)
			return nil
		},
	}

	cmd.Flags().StringVar(&secretType, "type", "keyring", "Secret provider type (keyring, env)")

	return cmd
}

func getSecretsListCommand() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all stored secrets",
		Long:  "List all secrets stored in available providers. Secret values are never displayed.",
		RunE: func(_ *cobra.Command, _ []string) error {
			resolver := secret.NewResolver()
			ctx, cancel := context.WithTimeout(context.Background(), secretsTimeout)
			defer cancel()

			refs, err := resolver.ListAll(ctx)
			if err != nil {
				return fmt.Errorf("failed to list secrets: %w", err)
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(refs)
			}

			if len(refs) == 0 {
				fmt.Println("No secrets found")
				return nil
			}

			fmt.Printf("Found %d secrets:\n", len(refs))
			for _, ref := range refs {
				fmt.Printf("  %s (%s)\n", ref.Name, ref.Type)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	return cmd
}

// readPassword reads a secret from stdin without echoing when attached to a
// terminal, falling back to a plain line read otherwise (pipes, CI).
func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
	var value string
	_, err := fmt.Scanln(&value)
	return value, err
}
