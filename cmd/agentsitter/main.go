package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/agentsitter/agentsitter/internal/config"
	"github.com/agentsitter/agentsitter/internal/logging"
	"github.com/agentsitter/agentsitter/internal/monitor"
	"github.com/agentsitter/agentsitter/internal/tmux"
)

const Version = "0.3.1"

var (
	styleTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	styleOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleDim   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	styleErr   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
)

// init sets up the color profile so styled output is consistent across
// terminals.
func init() {
	initColorProfile()
}

// initColorProfile configures lipgloss from terminal capabilities, with an
// AGENTSITTER_COLOR override (truecolor, 256, 16, none).
func initColorProfile() {
	switch strings.ToLower(os.Getenv("AGENTSITTER_COLOR")) {
	case "truecolor", "true", "24bit":
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	case "256", "ansi256":
		lipgloss.SetColorProfile(termenv.ANSI256)
		return
	case "16", "ansi", "basic":
		lipgloss.SetColorProfile(termenv.ANSI)
		return
	case "none", "off", "ascii":
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}

	colorTerm := os.Getenv("COLORTERM")
	if colorTerm == "truecolor" || colorTerm == "24bit" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}

	// ANSI256 works in SSH, basic terminals, and older emulators.
	lipgloss.SetColorProfile(termenv.ANSI256)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, styleErr.Render("Error: ")+fmt.Sprintf(format, args...))
	os.Exit(1)
}

func main() {
	fs := flag.NewFlagSet("agentsitter", flag.ExitOnError)

	dir := fs.String("dir", "", "Working directory for the assistant (required unless set in config.toml)")
	command := fs.String("cmd", "", "Assistant command to launch (default from config: claude)")
	configPath := fs.String("config", "", "Config file path (default: ~/.agentsitter/config.toml)")

	idleMinutes := fs.Float64("idle", 0, "Auto-submit idle timeout in minutes (fractional allowed)")
	pollSeconds := fs.Int("poll", 0, "Auto-submit poll interval in seconds")
	settleSeconds := fs.Int("settle", 0, "Pause after an auto-submit intervention in seconds")
	continuePrompt := fs.String("continue-prompt", "", "Text injected on idle (empty: bare Enter)")
	noAutoSubmit := fs.Bool("no-autosubmit", false, "Disable the auto-submit monitor")

	stuckSeconds := fs.Int("stuck", 0, "Babysit stuck threshold in seconds")
	maxRuntimeSeconds := fs.Int("max-runtime", 0, "Babysit lifetime bound in seconds")

	verbose := fs.Bool("verbose", false, "Mirror log output to stderr, including per-poll decisions")
	fs.BoolVar(verbose, "v", false, "Mirror log output to stderr (short)")
	noAttach := fs.Bool("no-attach", false, "Do not attach the terminal to the session; supervise headless")
	killOnExit := fs.Bool("kill", false, "Kill the tmux session when supervision ends")
	showVersion := fs.Bool("version", false, "Print version and exit")

	fs.Usage = func() {
		fmt.Println("Usage: agentsitter [options] [initial prompt...]")
		fmt.Println()
		fmt.Println("Supervise an AI coding assistant in a tmux session: detect idle or")
		fmt.Println("stuck output and nudge the assistant to keep going.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("  agentsitter -dir ~/proj \"implement the parser per TODO.md\"")
		fmt.Println("  agentsitter -dir ~/proj -idle 0.5 -continue-prompt continue")
		fmt.Println("  agentsitter -dir ~/proj -no-autosubmit -stuck 600")
		fmt.Println("  agentsitter -dir ~/proj -no-attach -v")
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *showVersion {
		fmt.Printf("agentsitter v%s\n", Version)
		return
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFrom(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fatal("%v", err)
	}

	// Flags override the config file. flag.Visit only reports flags the
	// user actually set, so zero values don't clobber file settings.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "dir":
			cfg.Session.WorkDir = *dir
		case "cmd":
			cfg.Session.Command = *command
		case "idle":
			cfg.AutoSubmit.IdleMinutes = *idleMinutes
		case "poll":
			cfg.AutoSubmit.PollSeconds = *pollSeconds
		case "settle":
			cfg.AutoSubmit.SettleSeconds = *settleSeconds
		case "continue-prompt":
			cfg.AutoSubmit.ContinuePrompt = *continuePrompt
		case "no-autosubmit":
			cfg.AutoSubmit.Enabled = !*noAutoSubmit
		case "stuck":
			cfg.Babysit.StuckSeconds = *stuckSeconds
		case "max-runtime":
			cfg.Babysit.MaxRuntimeSeconds = *maxRuntimeSeconds
		}
	})

	if cfg.Session.WorkDir != "" {
		if abs, err := filepath.Abs(cfg.Session.WorkDir); err == nil {
			cfg.Session.WorkDir = abs
		}
	}

	if err := cfg.Validate(); err != nil {
		fatal("%v", err)
	}

	if err := tmux.IsTmuxAvailable(); err != nil {
		fatal("%v\n\nagentsitter requires tmux. Install with:\n  brew install tmux  # or your distro's package manager", err)
	}

	logDir := cfg.Logs.Dir
	if logDir == "" {
		logDir = config.Dir()
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		fatal("failed to create log directory %s: %v", logDir, err)
	}
	logging.Init(logging.Config{
		LogDir:    logDir,
		Level:     cfg.Logs.Level,
		Format:    cfg.Logs.Format,
		MaxSizeMB: cfg.Logs.MaxSizeMB,
		Compress:  true,
		Verbose:   *verbose,
	})
	defer logging.Shutdown()

	log := logging.ForComponent(logging.CompCLI)

	initialPrompt := strings.TrimSpace(strings.Join(fs.Args(), " "))

	sess := tmux.NewSession(filepath.Base(cfg.Session.WorkDir), cfg.Session.WorkDir)
	if err := sess.Start(cfg.Session.Command); err != nil {
		fatal("failed to start session: %v", err)
	}
	log.Info("session_started",
		slog.String("tmux_name", sess.Name),
		slog.String("work_dir", cfg.Session.WorkDir),
		slog.String("command", cfg.Session.Command))

	if *killOnExit {
		defer func() {
			if err := sess.Kill(); err != nil {
				log.Warn("session_kill_failed", slog.String("error", err.Error()))
			}
		}()
	}

	if initialPrompt != "" {
		if err := sess.SendText(initialPrompt); err != nil {
			fatal("failed to send initial prompt: %v", err)
		}
		if err := sess.SendSubmit(); err != nil {
			fatal("failed to submit initial prompt: %v", err)
		}
		log.Info("initial_prompt_sent", slog.Int("length", len(initialPrompt)))
	}

	fmt.Println(styleTitle.Render("agentsitter") + styleDim.Render(" v"+Version))
	fmt.Println(styleOK.Render("✓") + " session " + styleTitle.Render(sess.Name))
	fmt.Println(styleDim.Render("  dir:     ") + cfg.Session.WorkDir)
	fmt.Println(styleDim.Render("  command: ") + cfg.Session.Command)
	if cfg.AutoSubmit.Enabled {
		fmt.Println(styleDim.Render("  idle:    ") + cfg.AutoSubmit.IdleTimeout().String())
	} else {
		fmt.Println(styleDim.Render("  idle:    ") + "auto-submit disabled")
	}
	fmt.Println(styleDim.Render("  stuck:   ") + cfg.Babysit.StuckThreshold().String() +
		styleDim.Render("  lifetime: ") + cfg.Babysit.MaxRuntime().String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	monCtx, monCancel := context.WithCancel(gctx)
	defer monCancel()

	babysit := monitor.NewBabysit(sess, monitor.BabysitConfig{
		PollInterval:   cfg.Babysit.PollInterval(),
		StuckThreshold: cfg.Babysit.StuckThreshold(),
		MaxRuntime:     cfg.Babysit.MaxRuntime(),
	})
	g.Go(func() error {
		// A babysit exit (expiry or session gone) ends supervision for
		// both monitors.
		defer monCancel()
		return babysit.Run(monCtx)
	})

	if cfg.AutoSubmit.Enabled {
		autosubmit := monitor.NewAutoSubmit(sess, monitor.AutoSubmitConfig{
			PollInterval:   cfg.AutoSubmit.PollInterval(),
			IdleTimeout:    cfg.AutoSubmit.IdleTimeout(),
			SettleInterval: cfg.AutoSubmit.SettleInterval(),
			ContinuePrompt: cfg.AutoSubmit.ContinuePrompt,
		})
		g.Go(func() error {
			defer monCancel()
			return autosubmit.Run(monCtx)
		})
	}

	attachArgv := sess.AttachCommand()
	if *noAttach || !term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Println(styleDim.Render("  attach:  ") + strings.Join(attachArgv, " "))
	} else {
		// Attach runs as a subprocess so the monitors keep running in
		// this process; supervision continues headless after detach.
		attach := exec.Command(attachArgv[0], attachArgv[1:]...)
		attach.Stdin = os.Stdin
		attach.Stdout = os.Stdout
		attach.Stderr = os.Stderr
		if err := attach.Run(); err != nil {
			log.Warn("attach_failed", slog.String("error", err.Error()))
			fmt.Println(styleDim.Render("  attach:  ") + strings.Join(attachArgv, " "))
		} else {
			fmt.Println(styleDim.Render("detached; supervision continues in this process"))
			fmt.Println(styleDim.Render("  reattach: ") + strings.Join(attachArgv, " "))
		}
		if !sess.ProcessAlive(cfg.Session.ProcessPattern) {
			fmt.Println(styleErr.Render("!") + " assistant process no longer running in the session")
		}
	}

	if err := g.Wait(); err != nil {
		log.Error("monitor_error", slog.String("error", err.Error()))
		fatal("monitor failed: %v", err)
	}

	if ctx.Err() != nil {
		fmt.Println(styleDim.Render("interrupted; shutting down"))
	} else {
		fmt.Println(styleOK.Render("✓") + " supervision finished")
	}
	log.Info("supervision_finished")
}
