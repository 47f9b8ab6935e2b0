package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mohaanymo/mpdecrypt"
	"github.com/mohaanymo/mpdecrypt/internal/config"
	"github.com/mohaanymo/mpdecrypt/internal/logger"
	"github.com/mohaanymo/mpdecrypt/internal/progress"
	"github.com/mohaanymo/mpdecrypt/internal/tui"
)

// runFlags are the per-run settings shared by download and batch.
type runFlags struct {
	format         string
	threads        int
	decryptWorkers int
	outputDir      string
	workRoot       string
	decryptBackend string
	noCompanion    bool
	noProgress     bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&f.format, "format", "f", config.DefaultFormat, "Output container: mp4, mkv")
	flags.IntVarP(&f.threads, "threads", "n", config.DefaultThreads, "Concurrent segment downloads")
	flags.IntVar(&f.decryptWorkers, "decrypt-workers", config.DefaultDecryptWorkers, "Concurrent segment decryptions")
	flags.StringVarP(&f.outputDir, "output-dir", "d", ".", "Directory for the output file")
	flags.StringVar(&f.workRoot, "work-dir", "", "Parent of the per-run working directory (default: system temp)")
	flags.StringVar(&f.decryptBackend, "decrypt-backend", config.BackendMp4decrypt, "Decryption backend: mp4decrypt, builtin")
	flags.BoolVar(&f.noCompanion, "no-companion", false, "Only fetch the selected representation")
	flags.BoolVar(&f.noProgress, "no-progress", false, "Disable the progress TUI")
}

// apply copies explicitly set flags over cfg, so file and environment
// values survive when a flag is left at its default.
func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("format") {
		cfg.Format = f.format
	}
	if changed("threads") {
		cfg.Threads = f.threads
	}
	if changed("decrypt-workers") {
		cfg.DecryptWorkers = f.decryptWorkers
	}
	if changed("output-dir") {
		cfg.OutputDir = f.outputDir
	}
	if changed("work-dir") {
		cfg.WorkRoot = f.workRoot
	}
	if changed("decrypt-backend") {
		cfg.DecryptBackend = f.decryptBackend
	}
	if f.noCompanion {
		cfg.Companion = false
	}
	if f.noProgress {
		cfg.NoProgress = true
	}
}

type downloadFlags struct {
	runFlags
	keys     []string
	saveName string
	rep      string
	lang     string
	pick     bool
}

func newDownloadCommand(g *globalFlags) *cobra.Command {
	f := &downloadFlags{}

	cmd := &cobra.Command{
		Use:   "download URL",
		Short: "Download, decrypt and remux one manifest",
		Example: `  mpdecrypt download https://cdn.example.com/stream.mpd --key KID:KEY -o episode
  mpdecrypt download URL --key video=KID:KEY --key audio=KID:KEY --rep 1080p
  mpdecrypt download URL --key KID:KEY --pick`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			f.apply(cmd, cfg)
			return runDownload(cmd, cfg, f, args[0])
		},
	}

	f.register(cmd)
	flags := cmd.Flags()
	flags.StringArrayVarP(&f.keys, "key", "k", nil, "Content key KID:KEY, optionally tagged audio= or video= (repeatable, order kept)")
	flags.StringVarP(&f.saveName, "save-name", "o", "", "Output base name (default: manifest file name)")
	flags.StringVarP(&f.rep, "rep", "r", "", "Representation id (default: highest bandwidth)")
	flags.StringVar(&f.lang, "lang", "", "Preferred companion audio language")
	flags.BoolVar(&f.pick, "pick", false, "Choose the representation interactively")
	_ = cmd.MarkFlagRequired("key")

	return cmd
}

func runDownload(cmd *cobra.Command, cfg *config.Config, f *downloadFlags, manifestURL string) error {
	ctx := cmd.Context()
	useTUI := interactive() && !cfg.NoProgress

	rep := f.rep
	if f.pick {
		if !interactive() {
			return errors.New("--pick needs a terminal")
		}
		picked, err := pickRepresentation(ctx, cfg, manifestURL)
		if err != nil {
			return err
		}
		if picked == "" {
			fmt.Fprintln(cmd.ErrOrStderr(), "Canceled")
			return nil
		}
		rep = picked
	}

	saveName := f.saveName
	if saveName == "" {
		saveName = defaultSaveName(manifestURL)
	}
	req, err := mpdecrypt.NewRequest(manifestURL, f.keys, saveName,
		mpdecrypt.WithRepresentation(rep),
		mpdecrypt.WithLanguage(f.lang))
	if err != nil {
		return err
	}

	var res mpdecrypt.Result
	if useTUI {
		res, err = runWithTUI(ctx, cfg, req)
		if err != nil {
			return err
		}
	} else {
		log := newLogger(cfg, false)
		defer log.Sync()
		res = mpdecrypt.Run(ctx, req,
			mpdecrypt.WithConfig(cfg),
			mpdecrypt.WithLogger(log),
			mpdecrypt.WithSink(consoleSink(cmd.ErrOrStderr())))
	}

	if res.Err != nil {
		if mpdecrypt.Retryable(res.Err) {
			fmt.Fprintln(cmd.ErrOrStderr(), "Network failure; running the command again may succeed.")
		}
		return res.Err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Saved to: %s\n", res.Output)
	return nil
}

func runWithTUI(ctx context.Context, cfg *config.Config, req *mpdecrypt.Request) (mpdecrypt.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	model := tui.NewModel("mpdecrypt", req.URL, cancel)
	prog := tea.NewProgram(model, tea.WithAltScreen())

	var res mpdecrypt.Result
	done := make(chan struct{})
	go func() {
		defer close(done)
		res = mpdecrypt.Run(ctx, req,
			mpdecrypt.WithConfig(cfg),
			mpdecrypt.WithLogger(logger.NewNop()),
			mpdecrypt.WithSink(tui.Sink(prog)))
		if res.Err != nil {
			prog.Send(tui.ErrorMsg{Err: res.Err})
		} else {
			prog.Send(tui.DoneMsg{Output: res.Output})
		}
	}()

	if _, err := prog.Run(); err != nil {
		cancel()
		<-done
		return res, fmt.Errorf("progress view: %w", err)
	}
	<-done
	return res, nil
}

func pickRepresentation(ctx context.Context, cfg *config.Config, manifestURL string) (string, error) {
	reps, err := mpdecrypt.ListRepresentations(ctx, manifestURL, mpdecrypt.WithConfig(cfg))
	if err != nil {
		return "", err
	}
	picker := tui.NewPicker("mpdecrypt", reps)
	if _, err := tea.NewProgram(picker, tea.WithAltScreen()).Run(); err != nil {
		return "", fmt.Errorf("representation picker: %w", err)
	}
	result := picker.Result()
	if result.Canceled {
		return "", nil
	}
	return result.Selected.ID(), nil
}

// consoleSink prints state changes and stage progress as plain lines.
func consoleSink(w io.Writer) progress.Sink {
	return progress.SinkFunc(func(_ context.Context, ev progress.Event) error {
		if ev.State != "" {
			line := "» " + ev.State
			if ev.Message != "" {
				line += ": " + ev.Message
			}
			fmt.Fprintln(w, line)
			return nil
		}
		if ev.Total > 0 {
			fmt.Fprintln(w, "  "+ev.Text())
		}
		return nil
	})
}

// defaultSaveName derives an output base name from the manifest path.
func defaultSaveName(manifestURL string) string {
	u, err := url.Parse(manifestURL)
	if err != nil {
		return "output"
	}
	base := path.Base(u.Path)
	base = strings.TrimSuffix(base, path.Ext(base))
	if base == "" || base == "." || base == "/" {
		return "output"
	}
	return base
}
