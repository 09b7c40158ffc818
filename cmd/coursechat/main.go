package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"gwi.com/coursechat/internal/backend"
	"gwi.com/coursechat/internal/config"
	"gwi.com/coursechat/internal/core"
	"gwi.com/coursechat/internal/logger"
)

// Set with -ldflags "-X main.version=..."
var version = "dev"

// errReported marks failures that were already printed to the user.
var errReported = errors.New("reported")

type app struct {
	verbose bool
	plain   bool
	cfg     config.Config
	log     *zap.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	a := &app{}

	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Ask questions about your course documents",
		RunE:  a.runChat,
	}

	rootCmd := &cobra.Command{
		Use:   "coursechat",
		Short: "Terminal client for the course document assistant",
		Long: `coursechat talks to the course question-answering API. Plain lines are sent as
questions about the selected course; lines starting with / are commands (/help lists them).`,
		PersistentPreRun: a.setup,
		RunE:             a.runChat,
		SilenceUsage:     true,
		SilenceErrors:    true,
	}
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Log at the configured LOG_LEVEL instead of warnings only")
	rootCmd.PersistentFlags().BoolVar(&a.plain, "plain", false, "Print answers without markdown rendering")

	rootCmd.AddCommand(
		chatCmd,
		&cobra.Command{
			Use:   "courses",
			Short: "List the available courses and exit",
			RunE:  a.runCourses,
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "coursechat %s\n", version)
			},
		},
	)
	return rootCmd
}

func (a *app) setup(cmd *cobra.Command, _ []string) {
	if cmd.Name() == "version" {
		return
	}
	config.LoadConfig()
	a.cfg = config.AppConfig

	level := "warn"
	if a.verbose {
		level = a.cfg.LogLevel
	}
	a.log = logger.New(level, a.cfg.LogFile)
}

func (a *app) newSession() *core.Session {
	client := backend.NewClient(a.cfg.BackendURL,
		backend.WithTimeout(a.cfg.HTTPTimeout),
		backend.WithLogger(a.log),
	)
	return core.NewSession(client, core.OptionsFromConfig(a.cfg, a.log), nil)
}

func (a *app) newREPL(cmd *cobra.Command, sess *core.Session) (*repl, error) {
	loc, err := a.cfg.Location()
	if err != nil {
		return nil, err
	}
	stdin := cmd.InOrStdin()
	interactive := false
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		interactive = true
	}
	r := newREPL(sess, stdin, cmd.OutOrStdout(), newRenderer(a.plain || !interactive), loc)
	if interactive {
		fd := int(stdin.(*os.File).Fd())
		r.readSecret = func(prompt string) (string, error) {
			fmt.Fprint(r.out, prompt)
			b, err := term.ReadPassword(fd)
			fmt.Fprintln(r.out)
			return string(b), err
		}
	}
	return r, nil
}

func (a *app) runChat(cmd *cobra.Command, _ []string) error {
	defer func() { _ = a.log.Sync() }()

	sess := a.newSession()
	r, err := a.newREPL(cmd, sess)
	if err != nil {
		return err
	}
	return r.Run(cmd.Context())
}

func (a *app) runCourses(cmd *cobra.Command, _ []string) error {
	defer func() { _ = a.log.Sync() }()

	sess := a.newSession()
	r, err := a.newREPL(cmd, sess)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if err := r.authenticate(ctx, nil); err != nil {
		r.fail(err)
		return errReported
	}
	if err := r.listCourses(ctx); err != nil {
		r.fail(err)
		return errReported
	}
	return nil
}

// lineReader returns the next input line, or false at end of input.
func lineReader(sc *bufio.Scanner) func() (string, bool) {
	return func() (string, bool) {
		if !sc.Scan() {
			return "", false
		}
		return sc.Text(), true
	}
}
