package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"agentchat/internal/relay"
)

func newRelayCmd(opts *globalOpts) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Serve the chat relay in front of Ollama",
		Long:  "Starts the HTTP relay the chat client talks to. It forwards prompts to the configured Ollama model and reports upstream health.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if !opts.debug {
				gin.SetMode(gin.ReleaseMode)
			}
			if listen != "" {
				cfg.Relay.Listen = listen
			}
			ctx, closeLog, err := opts.logContext(cmd.Context(), cfg, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			err = relay.Run(ctx, cfg)
			log.Info(ctx, log.KV{K: "msg", V: "relay stopped"})
			return err
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "address to listen on (overrides config)")
	return cmd
}
