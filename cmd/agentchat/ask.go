package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"goa.design/clue/log"
	"golang.org/x/term"

	"agentchat/internal/chat"
)

func newAskCmd(opts *globalOpts) *cobra.Command {
	var (
		showThinking bool
		plain        bool
	)
	cmd := &cobra.Command{
		Use:   "ask <prompt>",
		Short: "Send one prompt through the relay and print the reply",
		Long:  "Runs a single turn through the relay. Ctrl+C cancels the turn; the exit status is non-zero when the turn fails.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, opts, strings.Join(args, " "), showThinking, plain)
		},
	}
	cmd.Flags().BoolVar(&showThinking, "thinking", false, "also print the agent's thinking trace")
	cmd.Flags().BoolVar(&plain, "plain", false, "print raw text even on a terminal")
	return cmd
}

func runAsk(cmd *cobra.Command, opts *globalOpts, prompt string, showThinking, plain bool) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	ctx, closeLog, err := opts.logContext(cmd.Context(), cfg, cmd.ErrOrStderr(), false)
	if err != nil {
		return err
	}
	defer closeLog()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	tty := isTerminal(out)

	var sp *spinner.Spinner
	if tty {
		sp = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
		sp.Suffix = " waiting for the agent..."
		sp.Start()
	}
	started := time.Now()
	reply, err := newSubmitter(cfg).Submit(ctx, prompt)
	if sp != nil {
		sp.Stop()
	}
	if err != nil {
		log.Debug(ctx, log.KV{K: "msg", V: "ask failed"}, log.KV{K: "err", V: err.Error()})
		return err
	}

	elapsed := time.Since(started).Seconds()
	if reply.ExecutionTime != nil {
		elapsed = *reply.ExecutionTime
	}
	printReply(ctx, out, reply, elapsed, showThinking, tty && !plain)
	return nil
}

func printReply(ctx context.Context, out io.Writer, reply chat.Reply, elapsed float64, showThinking, pretty bool) {
	if showThinking && reply.Thinking != "" {
		fmt.Fprintln(out, "--- thinking ---")
		fmt.Fprintln(out, strings.TrimSpace(reply.Thinking))
		fmt.Fprintln(out, "----------------")
	}
	text := reply.Text
	if pretty {
		width := 100
		if f, ok := out.(*os.File); ok {
			if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 20 {
				width = minInt(w-4, 120)
			}
		}
		r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(width))
		if err == nil {
			if rendered, err := r.Render(text); err == nil {
				text = rendered
			} else {
				log.Debug(ctx, log.KV{K: "msg", V: "markdown render failed"}, log.KV{K: "err", V: err.Error()})
			}
		}
	}
	fmt.Fprintln(out, strings.TrimRight(text, "\n"))
	fmt.Fprintf(out, "\n(%.2fs)\n", elapsed)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
