package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"agentchat/internal/chat"
	"agentchat/internal/config"
	"agentchat/internal/observability"
	"agentchat/internal/relay"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

type globalOpts struct {
	configPath string
	debug      bool
	logFile    string
	relayURL   string
}

func newRootCmd() *cobra.Command {
	opts := &globalOpts{}
	cmd := &cobra.Command{
		Use:           "agentchat",
		Short:         "Chat with a local AI agent through a relay",
		Long:          "agentchat runs a terminal chat client, the HTTP relay in front of Ollama, and one-shot helpers that share the same turn pipeline.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, opts)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", os.Getenv("AGENTCHAT_CONFIG"), "path to agentchat YAML config")
	flags.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	flags.StringVar(&opts.logFile, "log-file", "", "write logs to this file (chat defaults to discarding them)")
	flags.StringVar(&opts.relayURL, "relay", "", "relay base URL (overrides config)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newChatCmd(opts))
	cmd.AddCommand(newRelayCmd(opts))
	cmd.AddCommand(newAskCmd(opts))
	cmd.AddCommand(newBatchCmd(opts))
	cmd.AddCommand(newDoctorCmd(opts))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentchat %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

// loadConfig applies flag overrides on top of file and environment settings.
func (o *globalOpts) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if o.logFile != "" {
		cfg.Client.LogFile = o.logFile
	}
	if o.relayURL != "" {
		cfg.Client.RelayURL = o.relayURL
		if err := cfg.Validate(); err != nil {
			return config.Config{}, err
		}
	}
	return cfg, nil
}

// logContext builds the logging context. When toFile is set, logs go to the
// configured log file (or nowhere) instead of stderr.
func (o *globalOpts) logContext(ctx context.Context, cfg config.Config, stderr io.Writer, toFile bool) (context.Context, func(), error) {
	if !toFile && cfg.Client.LogFile == "" {
		return observability.NewContext(ctx, stderr, o.debug), func() {}, nil
	}
	w, err := observability.OpenLogFile(cfg.Client.LogFile)
	if err != nil {
		return nil, nil, err
	}
	return observability.NewContext(ctx, w, o.debug), func() { _ = w.Close() }, nil
}

func newSubmitter(cfg config.Config) *chat.Submitter {
	return chat.NewSubmitter(cfg.Client.RelayURL, chat.WithTurnTimeout(cfg.Client.RequestTimeout))
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "agentchat: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	relay.Version = Version
	os.Exit(execute(newRootCmd()))
}
