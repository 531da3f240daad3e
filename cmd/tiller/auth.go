package main

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tillerlabs/tiller/internal/auth"
)

func buildAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage provider credentials",
	}
	cmd.AddCommand(
		buildAuthLoginCmd(),
		buildAuthLogoutCmd(),
		buildAuthStatusCmd(),
	)
	return cmd
}

func buildAuthLoginCmd() *cobra.Command {
	var apiKey string

	cmd := &cobra.Command{
		Use:   "login <provider>",
		Short: "Store credentials for a provider",
		Long: `Store credentials for a provider in the agent credentials file.

Providers with an OAuth flow (anthropic, openai-codex) open a browser
authorization; everything else prompts for an API key. Keys passed via
--key are stored without prompting.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthLogin(cmd, args[0], apiKey)
		},
	}

	cmd.Flags().StringVar(&apiKey, "key", "", "Store this API key instead of prompting")

	return cmd
}

func runAuthLogin(cmd *cobra.Command, provider, apiKey string) error {
	store := auth.NewStorage(authFilePath())
	out := cmd.OutOrStdout()

	if apiKey != "" {
		if err := store.SetAPIKey(provider, apiKey); err != nil {
			return err
		}
		fmt.Fprintf(out, "Stored API key for %s in %s\n", provider, store.Path())
		return nil
	}

	if _, ok := auth.FlowFor(provider); ok {
		reader := bufio.NewReader(cmd.InOrStdin())
		err := store.Login(cmd.Context(), provider, auth.LoginCallbacks{
			OnAuth: func(url, instructions string) {
				fmt.Fprintf(out, "Open this URL to authorize:\n\n  %s\n\n", url)
				if instructions != "" {
					fmt.Fprintln(out, instructions)
				}
			},
			OnPrompt: func(message string) (string, error) {
				fmt.Fprintf(out, "%s: ", message)
				text, err := reader.ReadString('\n')
				if err != nil {
					return "", err
				}
				return strings.TrimSpace(text), nil
			},
			OnProgress: func(message string) {
				fmt.Fprintln(out, message)
			},
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Logged in to %s\n", provider)
		return nil
	}

	key := promptSecret(cmd, fmt.Sprintf("%s API key", provider))
	if key == "" {
		return fmt.Errorf("no API key entered")
	}
	if err := store.SetAPIKey(provider, key); err != nil {
		return err
	}
	fmt.Fprintf(out, "Stored API key for %s in %s\n", provider, store.Path())
	return nil
}

func buildAuthLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout <provider>",
		Short: "Remove stored credentials for a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := auth.NewStorage(authFilePath())
			if !store.Has(args[0]) {
				fmt.Fprintf(cmd.OutOrStdout(), "No stored credentials for %s\n", args[0])
				return nil
			}
			if err := store.Logout(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed credentials for %s\n", args[0])
			return nil
		},
	}
}

func buildAuthStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show credential sources per provider",
		RunE:  runAuthStatus,
	}
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	store := auth.NewStorage(authFilePath())

	seen := map[string]bool{}
	var providers []string
	for _, provider := range append(store.Providers(), auth.KnownProviders()...) {
		if !seen[provider] {
			seen[provider] = true
			providers = append(providers, provider)
		}
	}
	sort.Strings(providers)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tCREDENTIAL\tENV")
	for _, provider := range providers {
		cred := "-"
		if c, ok := store.Get(provider); ok {
			switch c.Type {
			case auth.CredentialAPIKey:
				cred = "api key"
			case auth.CredentialOAuth:
				cred = "oauth"
				if c.Expires > 0 && c.Expires < time.Now().UnixMilli() {
					cred = "oauth (expired)"
				}
			}
		}
		env := "-"
		if name := auth.EnvKeyName(provider); name != "" && os.Getenv(name) != "" {
			env = "$" + name
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", provider, cred, env)
	}
	return w.Flush()
}

// promptSecret reads a value without echoing when stdin is a terminal.
func promptSecret(cmd *cobra.Command, label string) string {
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ", label)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		text, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.OutOrStdout())
		if err == nil {
			return strings.TrimSpace(string(text))
		}
	}
	reader := bufio.NewReader(cmd.InOrStdin())
	text, _ := reader.ReadString('\n')
	return strings.TrimSpace(text)
}
