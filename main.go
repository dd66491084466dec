package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

func newLogger(opts *Options) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(opts.LogLevel)
	if err != nil {
		return zerolog.Nop(), err
	}
	var logger zerolog.Logger
	if opts.LogPretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger(), nil
}

func serve(cfg *Config, opts *Options, logger zerolog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s := NewServer(cfg, FileResolver{}, logger)
	if err := s.Listen(opts.Addr); err != nil {
		return err
	}
	logger.Info().
		Str("addr", s.Addr().String()).
		Str("root", cfg.WebRoot).
		Str("base_uri", cfg.BaseURI).
		Strs("index", cfg.DirectoryIndex).
		Msg("server started")

	err := s.Serve(ctx)
	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	if werr := s.Wait(waitCtx); werr != nil {
		logger.Warn().Err(werr).Msg("connections still open at exit")
	}
	logger.Info().Msg("server stopped")
	return err
}

func main() {
	cfg, opts, err := loadConfig(os.Args[1:], os.Getenv)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := newLogger(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := serve(cfg, opts, logger); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}
