package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/mohaanymo/mpdecrypt"
	"github.com/mohaanymo/mpdecrypt/internal/config"
	"github.com/mohaanymo/mpdecrypt/internal/tui"
)

// batchJob is one [[job]] entry of a jobs file.
type batchJob struct {
	URL            string   `toml:"url"`
	Keys           []string `toml:"keys"`
	SaveName       string   `toml:"save_name"`
	Representation string   `toml:"representation"`
	Language       string   `toml:"language"`
}

type batchFile struct {
	Jobs []batchJob `toml:"job"`
}

// loadBatch parses a jobs file into requests. Every job is validated
// before anything is queued.
func loadBatch(path string) ([]*mpdecrypt.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jobs file: %w", err)
	}
	var bf batchFile
	if err := toml.Unmarshal(data, &bf); err != nil {
		return nil, fmt.Errorf("parse jobs file %s: %w", path, err)
	}
	if len(bf.Jobs) == 0 {
		return nil, fmt.Errorf("jobs file %s has no [[job]] entries", path)
	}

	reqs := make([]*mpdecrypt.Request, 0, len(bf.Jobs))
	for i, job := range bf.Jobs {
		name := job.SaveName
		if name == "" {
			name = defaultSaveName(job.URL)
		}
		req, err := mpdecrypt.NewRequest(job.URL, job.Keys, name,
			mpdecrypt.WithRepresentation(job.Representation),
			mpdecrypt.WithLanguage(job.Language))
		if err != nil {
			return nil, fmt.Errorf("job %d: %w", i+1, err)
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func newBatchCommand(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	var parallel int

	cmd := &cobra.Command{
		Use:   "batch FILE",
		Short: "Run every job of a TOML jobs file",
		Example: `  mpdecrypt batch jobs.toml --parallel 2

  # jobs.toml
  [[job]]
  url = "https://cdn.example.com/ep1.mpd"
  keys = ["KID:KEY"]
  save_name = "ep1"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			f.apply(cmd, cfg)
			reqs, err := loadBatch(args[0])
			if err != nil {
				return err
			}
			return runBatch(cmd, cfg, reqs, parallel)
		},
	}

	f.register(cmd)
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 3, "Jobs to run at once")

	return cmd
}

func runBatch(cmd *cobra.Command, cfg *config.Config, reqs []*mpdecrypt.Request, parallel int) error {
	ctx := cmd.Context()
	useTUI := interactive() && !cfg.NoProgress

	log := newLogger(cfg, useTUI)
	defer log.Sync()

	manager := mpdecrypt.NewManager(
		mpdecrypt.WithTitle("mpdecrypt"),
		mpdecrypt.WithMaxConcurrent(parallel),
		mpdecrypt.WithManagerLogger(log),
		mpdecrypt.WithDefaultOptions(
			mpdecrypt.WithConfig(cfg),
			mpdecrypt.WithLogger(log),
		),
	)
	manager.Start(ctx)
	defer manager.Stop()

	for _, req := range reqs {
		if _, err := manager.Add(req); err != nil {
			return err
		}
	}

	if useTUI {
		if err := watchBatch(ctx, manager); err != nil {
			return err
		}
	} else if err := manager.WaitAll(ctx); err != nil {
		return err
	}

	tasks := manager.Tasks()
	fmt.Fprintln(cmd.OutOrStdout(), taskTable(tasks))
	return batchError(tasks)
}

// watchBatch shows the board until every task finishes or the user quits.
// Quitting early cancels the jobs still running.
func watchBatch(ctx context.Context, manager *mpdecrypt.Manager) error {
	prog := tea.NewProgram(tui.NewBoard(manager), tea.WithAltScreen())

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := manager.WaitAll(waitCtx); err == nil {
			prog.Send(tui.DoneMsg{})
		}
	}()

	if _, err := prog.Run(); err != nil {
		return fmt.Errorf("progress view: %w", err)
	}
	for _, task := range manager.ActiveTasks() {
		_ = manager.Cancel(task.ID)
	}
	for _, task := range manager.Tasks() {
		if task.State == mpdecrypt.TaskPending {
			_ = manager.Cancel(task.ID)
		}
	}
	return manager.WaitAll(ctx)
}

func taskTable(tasks []mpdecrypt.Task) string {
	rows := make([][]string, 0, len(tasks))
	for _, task := range tasks {
		detail := task.Output
		if task.Err != nil {
			detail = task.Err.Error()
			if mpdecrypt.Retryable(task.Err) {
				detail += " (retryable)"
			}
		}
		var picked []string
		for _, r := range task.Selected {
			picked = append(picked, r.ID())
		}
		rows = append(rows, []string{
			task.Request.SaveName,
			task.State.String(),
			strings.Join(picked, ","),
			detail,
		})
	}
	return renderTable(
		[]string{"Job", "State", "Representations", "Result"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft},
	)
}

func batchError(tasks []mpdecrypt.Task) error {
	var failed int
	for _, task := range tasks {
		if task.State != mpdecrypt.TaskCompleted {
			failed++
		}
	}
	if failed == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d jobs did not complete", failed, len(tasks))
}
