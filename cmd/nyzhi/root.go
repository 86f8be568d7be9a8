package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nyzhi-com/nyzhi/internal/agent"
	"github.com/nyzhi-com/nyzhi/internal/auth"
	"github.com/nyzhi-com/nyzhi/internal/config"
	"github.com/nyzhi-com/nyzhi/internal/provider"
)

func newRootCmd() *cobra.Command {
	var configPath string
	var resumeID string

	root := &cobra.Command{
		Use:   "nyzhi",
		Short: "nyzhi is an interactive coding assistant for the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, configPath, resumeID)
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml")
	root.Flags().StringVar(&resumeID, "resume", "", "resume a saved session by id")

	root.AddCommand(newChatCmd(&configPath))
	root.AddCommand(newAuthCmd(&configPath))
	root.AddCommand(newSessionsCmd(&configPath))
	return root
}

func newChatCmd(configPath *string) *cobra.Command {
	var resumeID string
	chat := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, *configPath, resumeID)
		},
	}
	chat.Flags().StringVar(&resumeID, "resume", "", "resume a saved session by id")
	return chat
}

func newAuthCmd(configPath *string) *cobra.Command {
	authCmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage provider credentials",
	}

	var label string
	login := &cobra.Command{
		Use:   "login <provider> <api-key>",
		Short: "Store an API key for a provider",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			store := auth.NewStore(authPath(cfg))
			token := auth.StoredToken{AccessToken: args[1], Provider: args[0]}
			if label != "" {
				if err := store.AddAccount(args[0], token, label); err != nil {
					return err
				}
			} else if err := store.StoreToken(args[0], token); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored credential for %s\n", args[0])
			return nil
		},
	}
	login.Flags().StringVar(&label, "label", "", "account label for multi-account setups")

	list := &cobra.Command{
		Use:   "list <provider>",
		Short: "List stored accounts for a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			store := auth.NewStore(authPath(cfg))
			accounts, err := store.ListAccounts(args[0])
			if err != nil {
				return err
			}
			if len(accounts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no accounts")
				return nil
			}
			now := time.Now().Unix()
			for _, account := range accounts {
				state := "inactive"
				if account.Active {
					state = "active"
				}
				if account.RateLimitedUntil > now {
					state += fmt.Sprintf(", rate-limited %ds", account.RateLimitedUntil-now)
				}
				label := account.Label
				if label == "" {
					label = "(default)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", label, state)
			}
			return nil
		},
	}

	authCmd.AddCommand(login, list)
	return authCmd
}

// buildProvider constructs the configured backend over the credential
// store.
func buildProvider(cfg *config.Config, store *auth.Store) (provider.Provider, error) {
	entry, _ := cfg.Entry(cfg.Provider)

	var token provider.TokenSource
	if entry.APIKey != "" {
		token = provider.StaticToken(entry.APIKey)
	} else {
		token = provider.TokenSource(store.TokenSourceFor(cfg.Provider, oauthEndpointFor(cfg.Provider)))
	}

	style := entry.APIStyle
	if style == "" {
		style = cfg.Provider
	}
	switch style {
	case "anthropic":
		return provider.NewAnthropicProvider(provider.AnthropicConfig{
			Token:        token,
			BaseURL:      entry.BaseURL,
			DefaultModel: cfg.Model,
		})
	case "openai":
		return provider.NewOpenAIProvider(provider.OpenAIConfig{
			Token:        token,
			BaseURL:      entry.BaseURL,
			DefaultModel: cfg.Model,
		})
	case "openai-compatible":
		return provider.NewCompatProvider(provider.CompatConfig{
			ProviderName: cfg.Provider,
			Token:        token,
			BaseURL:      entry.BaseURL,
			DefaultModel: cfg.Model,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q (api_style %q)", cfg.Provider, style)
	}
}

// oauthEndpointFor returns refresh parameters for OAuth-backed providers;
// API-key providers return nil.
func oauthEndpointFor(providerName string) *auth.OAuthEndpoint {
	switch providerName {
	case "openai-oauth":
		return &auth.OAuthEndpoint{
			ClientID: "nyzhi-cli",
			TokenURL: "https://auth.openai.com/oauth/token",
		}
	default:
		return nil
	}
}

func authPath(cfg *config.Config) string {
	return cfg.ResolvedDataDir() + "/auth.json"
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if os.Getenv("NYZHI_DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// trustModeFor maps a config string to the trust mode, defaulting to off.
func trustModeFor(cfg *config.Config) string {
	switch cfg.TrustMode {
	case "session", "project", "always":
		return cfg.TrustMode
	default:
		return "off"
	}
}

// agentConfigFrom maps the file config to the turn loop config.
func agentConfigFrom(cfg *config.Config, systemPrompt string, window int) *agent.Config {
	return &agent.Config{
		Name:             "main",
		Model:            cfg.Model,
		SystemPrompt:     systemPrompt,
		MaxSteps:         cfg.MaxSteps,
		ContextWindow:    window,
		AutoCompactRatio: cfg.AutoCompactRatio,
		Retry: agent.RetrySettings{
			MaxRetries: cfg.Retry.MaxRetries,
			BaseDelay:  cfg.Retry.BaseDelay,
			MaxDelay:   cfg.Retry.MaxDelay,
		},
		ThinkingEnabled: cfg.ThinkingEnabled,
		ThinkingBudget:  cfg.ThinkingBudget,
		RoutingEnabled:  cfg.RoutingEnabled,
	}
}
