package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"goa.design/clue/log"
	"gopkg.in/yaml.v3"

	"agentchat/internal/chat"
)

type batchResult struct {
	TaskID        int      `yaml:"task_id"`
	Task          string   `yaml:"task"`
	Result        string   `yaml:"result,omitempty"`
	Error         string   `yaml:"error,omitempty"`
	Kind          string   `yaml:"kind,omitempty"`
	ExecutionTime *float64 `yaml:"execution_time,omitempty"`
	Timestamp     string   `yaml:"timestamp"`
	Status        string   `yaml:"status"`
}

type batchReport struct {
	Total     int           `yaml:"total"`
	Succeeded int           `yaml:"succeeded"`
	Failed    int           `yaml:"failed"`
	Results   []batchResult `yaml:"results"`
}

func newBatchCmd(opts *globalOpts) *cobra.Command {
	var file, output string
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run every prompt in a file, one turn at a time",
		Long:  "Reads one prompt per line (blank lines and lines starting with # are skipped), sends each through the relay in order and writes a YAML report.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, opts, file, output)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "file with one prompt per line (- for stdin)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the YAML report here instead of stdout")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runBatch(cmd *cobra.Command, opts *globalOpts, file, output string) error {
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

	in := cmd.InOrStdin()
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return fmt.Errorf("open tasks: %w", err)
		}
		defer f.Close()
		in = f
	}
	tasks, err := readTasks(in)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return errors.New("no tasks found")
	}

	report := runTasks(ctx, newSubmitter(cfg), tasks, cmd.ErrOrStderr(), time.Now)

	out := cmd.OutOrStdout()
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("create report: %w", err)
		}
		defer f.Close()
		out = f
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%d tasks: %d succeeded, %d failed\n", report.Total, report.Succeeded, report.Failed)
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d tasks failed", report.Failed, report.Total)
	}
	return nil
}

func readTasks(r io.Reader) ([]string, error) {
	var tasks []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tasks = append(tasks, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read tasks: %w", err)
	}
	return tasks, nil
}

// runTasks submits tasks in order. Once ctx is cancelled the remaining tasks
// are recorded as cancelled without being sent.
func runTasks(ctx context.Context, sub *chat.Submitter, tasks []string, progress io.Writer, now func() time.Time) batchReport {
	report := batchReport{Total: len(tasks)}
	for i, task := range tasks {
		fmt.Fprintf(progress, "[%d/%d] %s\n", i+1, len(tasks), compactSingleLine(task, 80))
		started := now()
		reply, err := sub.Submit(ctx, task)
		res := batchResult{
			TaskID:    i + 1,
			Task:      task,
			Timestamp: started.UTC().Format(time.RFC3339),
		}
		if err != nil {
			f := chat.AsFailure(err)
			res.Status = string(chat.StatusError)
			res.Error = f.Message
			res.Kind = string(f.Kind)
			report.Failed++
			log.Info(ctx, log.KV{K: "msg", V: "task failed"}, log.KV{K: "task", V: i + 1}, log.KV{K: "kind", V: res.Kind})
		} else {
			elapsed := now().Sub(started).Seconds()
			if reply.ExecutionTime != nil {
				elapsed = *reply.ExecutionTime
			}
			res.Status = string(chat.StatusSent)
			res.Result = reply.Text
			res.ExecutionTime = &elapsed
			report.Succeeded++
		}
		report.Results = append(report.Results, res)
	}
	return report
}
