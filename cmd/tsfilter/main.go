package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/tsfilter/internal/certs"
	"github.com/zsiec/tsfilter/internal/config"
	"github.com/zsiec/tsfilter/internal/options"
	"github.com/zsiec/tsfilter/internal/server"
	"github.com/zsiec/tsfilter/internal/session"
	"github.com/zsiec/tsfilter/internal/source"
)

var version = "dev"

const usage = `usage:
  tsfilter run   [--input SRC] [--output PATH] [--config FILE] [-- filter args]
  tsfilter serve [--listen ADDR] [--config FILE] [-- default filter args]
  tsfilter probe [--input SRC] [-- filter args]
  tsfilter version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	if cmd == "version" {
		fmt.Println(version)
		return
	}
	commands := map[string]func(context.Context, *config.Config, *slog.Logger) error{
		"run":   runFilter,
		"serve": runServe,
		"probe": runProbe,
	}
	fn, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	cfg, err := config.Load(cmd, os.Args[2:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(log)
	cfg.Log(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := fn(ctx, cfg, log); err != nil {
		log.Error(cmd+" failed", "error", err)
		os.Exit(1)
	}
}

// openSession parses the filter arguments and opens the configured input.
func openSession(ctx context.Context, cfg *config.Config, log *slog.Logger) (*session.Session, io.ReadCloser, error) {
	opts, err := options.Parse(cfg.FilterArgs)
	if err != nil {
		return nil, nil, err
	}
	sess, err := session.New(opts, log)
	if err != nil {
		return nil, nil, err
	}
	in, err := source.Open(ctx, cfg.Input, source.ConfigFrom(opts), log)
	if err != nil {
		sess.Destroy()
		return nil, nil, err
	}
	// Unblock a pending read on shutdown.
	context.AfterFunc(ctx, func() { in.Close() })
	return sess, in, nil
}

func logStats(log *slog.Logger, sess *session.Session, started time.Time) {
	st := sess.Stats()
	log.Info("session finished",
		"elapsed", time.Since(started).Round(time.Millisecond),
		"bytes_in", st.BytesIn, "bytes_out", st.BytesPopped,
		"packets", st.Packets, "excluded", st.Excluded,
		"dropped_batches", st.DroppedBatches, "unit_size", st.UnitSize)
}

func runFilter(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	sess, in, err := openSession(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer sess.Destroy()
	defer in.Close()

	out := io.WriteCloser(os.Stdout)
	if cfg.Output != "" && cfg.Output != "-" {
		f, err := os.Create(cfg.Output)
		if err != nil {
			return fmt.Errorf("output: %w", err)
		}
		out = f
	}

	started := time.Now()
	err = sess.Pump(ctx, in, out, cfg.ReadSize)
	logStats(log, sess, started)
	if cerr := out.Close(); err == nil && out != os.Stdout {
		err = cerr
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func runProbe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	sess, in, err := openSession(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer sess.Destroy()
	defer in.Close()

	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := sess.Pump(gctx, in, pw, cfg.ReadSize)
		pw.CloseWithError(err)
		return err
	})

	var rep *report
	g.Go(func() error {
		defer pr.Close()
		var err error
		rep, err = probe(gctx, pr, log)
		return err
	})

	err = g.Wait()
	if rep != nil {
		if werr := rep.write(os.Stdout); werr != nil && err == nil {
			err = werr
		}
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if _, err := options.Parse(cfg.FilterArgs); err != nil {
		return fmt.Errorf("default filter args: %w", err)
	}

	cert, err := certs.LoadOrGenerate(cfg.CertFile, cfg.KeyFile, cfg.Hosts)
	if err != nil {
		return err
	}
	log.Info("certificate ready",
		"fingerprint", cert.FingerprintHex(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	srv, err := server.New(server.Config{
		Addr:           cfg.Listen,
		Cert:           cert,
		AllowedSchemes: cfg.AllowedSchemes,
		MaxSessions:    cfg.MaxSessions,
		ClosedTTL:      cfg.SessionTTL(),
		ReadSize:       cfg.ReadSize,
		DefaultArgs:    cfg.FilterArgs,
	}, log)
	if err != nil {
		return err
	}

	log.Info("tsfilter starting", "version", version, "listen", cfg.Listen)
	return srv.Start(ctx)
}
