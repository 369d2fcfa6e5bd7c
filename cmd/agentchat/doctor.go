package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"agentchat/internal/chat"
	"agentchat/internal/config"
	"agentchat/internal/relay"
)

type checkResult struct {
	name   string
	status string // "PASS", "FAIL", "WARN"
	detail string
}

func newDoctorCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the relay, Ollama and the configured model",
		Long:  "Runs diagnostic checks against the relay's health and status endpoints and the Ollama server, and reports whether the configured model is pulled.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			results := runDoctor(cmd.Context(), cfg)
			printChecks(cmd.OutOrStdout(), results, isTerminal(cmd.OutOrStdout()))
			if failed := countStatus(results, "FAIL"); failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
}

func runDoctor(ctx context.Context, cfg config.Config) []checkResult {
	var results []checkResult
	results = append(results, checkRelayHealth(ctx, cfg))
	results = append(results, checkRelayStatus(ctx, cfg))
	models, ollama := checkOllama(ctx, cfg)
	results = append(results, ollama)
	if ollama.status == "PASS" {
		results = append(results, checkModel(models, cfg.Agent.Model))
	} else {
		results = append(results, checkResult{"Model", "FAIL", "skipped (Ollama unreachable)"})
	}
	return results
}

func checkRelayHealth(ctx context.Context, cfg config.Config) checkResult {
	mon := chat.NewHealthMonitor(cfg.Client.RelayURL, cfg.Client.HealthInterval, cfg.Client.ProbeTimeout)
	if err := mon.Probe(ctx); err != nil {
		return checkResult{"Relay health", "FAIL", fmt.Sprintf("%s: %v (start it with `agentchat relay`)", cfg.Client.RelayURL, err)}
	}
	return checkResult{"Relay health", "PASS", cfg.Client.RelayURL + "/health"}
}

func checkRelayStatus(ctx context.Context, cfg config.Config) checkResult {
	ctx, cancel := context.WithTimeout(ctx, cfg.Client.ProbeTimeout)
	defer cancel()
	url := strings.TrimRight(cfg.Client.RelayURL, "/") + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return checkResult{"Relay status", "FAIL", err.Error()}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return checkResult{"Relay status", "FAIL", err.Error()}
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return checkResult{"Relay status", "FAIL", fmt.Sprintf("status %d", resp.StatusCode)}
	}
	var status struct {
		Status string `json:"status"`
		Model  string `json:"model"`
	}
	if err := json.Unmarshal(payload, &status); err != nil {
		return checkResult{"Relay status", "FAIL", "non-json payload"}
	}
	if status.Status != "connected" {
		return checkResult{"Relay status", "WARN", fmt.Sprintf("relay reports %s for model %s", nullCoalesce(status.Status, "unknown"), status.Model)}
	}
	return checkResult{"Relay status", "PASS", "relay serving " + status.Model}
}

func checkOllama(ctx context.Context, cfg config.Config) ([]string, checkResult) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Client.ProbeTimeout)
	defer cancel()
	models, err := relay.NewOllama(cfg.Agent).Models(ctx)
	if err != nil {
		return nil, checkResult{"Ollama", "FAIL", fmt.Sprintf("%s: %v", cfg.Agent.Endpoint, err)}
	}
	return models, checkResult{"Ollama", "PASS", fmt.Sprintf("%s (%d models)", cfg.Agent.Endpoint, len(models))}
}

func checkModel(models []string, want string) checkResult {
	if relay.HasModel(models, want) {
		return checkResult{"Model", "PASS", want}
	}
	return checkResult{"Model", "FAIL", fmt.Sprintf("%s not pulled (run `ollama pull %s`)", want, want)}
}

func countStatus(results []checkResult, status string) int {
	n := 0
	for _, r := range results {
		if r.status == status {
			n++
		}
	}
	return n
}

func printChecks(out io.Writer, results []checkResult, color bool) {
	theme := newTheme()
	styles := map[string]lipgloss.Style{
		"PASS": theme.online,
		"FAIL": theme.offline,
		"WARN": lipgloss.NewStyle().Foreground(lipgloss.Color("#ffd166")).Bold(true),
	}
	title := "agentchat doctor"
	if color {
		title = theme.panelTitle.Render(title)
	}
	fmt.Fprintln(out, title)
	fmt.Fprintln(out, strings.Repeat("=", len("agentchat doctor")))
	for _, r := range results {
		label := fmt.Sprintf("[%s]", r.status)
		if color {
			label = styles[r.status].Render(label)
		}
		fmt.Fprintf(out, "%s %-13s %s\n", label, r.name, r.detail)
	}
	fmt.Fprintf(out, "\n%d passed, %d warnings, %d failed\n",
		countStatus(results, "PASS"), countStatus(results, "WARN"), countStatus(results, "FAIL"))
}
