package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/conorfennell/snippet/internal/auth"
	"github.com/conorfennell/snippet/internal/config"
	"github.com/conorfennell/snippet/internal/domain"
	"github.com/conorfennell/snippet/internal/importer"
	"github.com/conorfennell/snippet/internal/scheduler"
	"github.com/conorfennell/snippet/internal/storage"
	"github.com/conorfennell/snippet/internal/storage/pgstore"
	"github.com/conorfennell/snippet/internal/web"
)

const usage = `Usage: snippet <command> [flags]

Commands:
  serve    Run the HTTP API
  import   Import markdown cards from a directory or git repository
  token    Print an access token for a user

Run "snippet <command> --help" for the flags of a command.
`

// store is everything the commands need from a storage backend.
type store interface {
	scheduler.Store
	web.CardStore
	importer.Store
	Close() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(out, usage)
		return errors.New("no command given")
	}

	switch args[0] {
	case "serve":
		return serve(args[1:])
	case "import":
		return runImport(args[1:], out)
	case "token":
		return token(args[1:], out)
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	default:
		fmt.Fprint(out, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// load parses args into a FlagSet carrying every config flag plus any
// command-specific ones added by extra.
func load(name string, args []string, extra func(*pflag.FlagSet)) (*config.Config, error) {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	config.RegisterFlags(flags)
	if extra != nil {
		extra(flags)
	}
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	return config.Load(flags)
}

func newLogger(cfg config.Log) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func openStore(cfg config.DB) (store, error) {
	switch cfg.Driver {
	case "postgres":
		return pgstore.Open(cfg.DSN)
	default:
		return storage.Open(cfg.DSN)
	}
}

func serve(args []string) error {
	cfg, err := load("serve", args, nil)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	db, err := openStore(cfg.DB)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("database opened", "driver", cfg.DB.Driver)

	issuer, err := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.Audience, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}
	authenticate, err := issuer.Middleware(logger)
	if err != nil {
		return err
	}

	sched := scheduler.New(db, scheduler.WithLogger(logger))
	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: web.NewServer(db, sched, web.Options{
			Authenticate:   authenticate,
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			Logger:         logger,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down cleanly: %w", err)
	}
	return nil
}

func runImport(args []string, out io.Writer) error {
	var user, source string
	cfg, err := load("import", args, func(flags *pflag.FlagSet) {
		flags.StringVar(&user, "user", "", "Owner of the imported cards")
		flags.StringVar(&source, "source", "", "Directory or git URL to import from")
	})
	if err != nil {
		return err
	}
	if user == "" || source == "" {
		return fmt.Errorf("%w: --user and --source are required", domain.ErrInvalidInput)
	}
	logger := newLogger(cfg.Log)

	db, err := openStore(cfg.DB)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := importer.New(db, logger, cfg.Import.ReposDir, cfg.Import.Enqueue).Import(ctx, user, source)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Found %d cards in %d files: %d new, %d already present, %d errors.\n",
		report.Parsed, report.Files, report.Inserted, report.Skipped, len(report.Errors))
	if len(report.Errors) > 0 {
		fmt.Fprintln(out, "\nErrors:")
		for _, e := range report.Errors {
			fmt.Fprintf(out, "- %s\n", e)
		}
	}
	return nil
}

func token(args []string, out io.Writer) error {
	var user string
	cfg, err := load("token", args, func(flags *pflag.FlagSet) {
		flags.StringVar(&user, "user", "", "User id to put in the token subject")
	})
	if err != nil {
		return err
	}

	issuer, err := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.Audience, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}
	signed, err := issuer.CreateToken(user)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, signed)
	return nil
}
