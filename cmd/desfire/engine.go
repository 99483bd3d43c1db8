package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/barnettlynn/desfire/internal/config"
	"github.com/barnettlynn/desfire/internal/metrics"
	"github.com/barnettlynn/desfire/pkg/desfire"
)

type cardSession struct {
	engine  *desfire.Engine
	closeFn func()
	server  *http.Server
}

func (s *cardSession) Close() {
	if s.server != nil {
		_ = s.server.Close()
	}
	if s.closeFn != nil {
		s.closeFn()
	}
}

func loadConfig(mode config.ValidationMode) (*config.Config, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, fmt.Errorf("resolve config path failed: %w", err)
	}
	slog.Debug("using config", "path", path)
	cfg, err := config.LoadWithMode(path, mode)
	if err != nil {
		return nil, fmt.Errorf("config load failed: %w", err)
	}
	return cfg, nil
}

func openReader(cfg *config.Config) (desfire.Reader, func(), error) {
	switch cfg.Reader.Backend {
	case config.BackendLibNFC:
		r, err := desfire.NewLibNFCReader(cfg.Reader.Connstring)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	default:
		r := desfire.NewPCSCReader(*cfg.Reader.Index)
		return r, r.Close, nil
	}
}

// openCard brings up reader and engine and waits for a card. The metrics
// endpoint, when configured, lives as long as the returned session.
func openCard(cfg *config.Config) (*cardSession, error) {
	reader, closeFn, err := openReader(cfg)
	if err != nil {
		return nil, err
	}
	s := &cardSession{closeFn: closeFn}

	opts, err := cfg.EngineOptions()
	if err != nil {
		s.Close()
		return nil, err
	}
	opts = append(opts, desfire.WithLogger(slog.Default()))
	if listen := strings.TrimSpace(cfg.Metrics.Listen); listen != "" {
		collector := metrics.New()
		opts = append(opts, desfire.WithObserver(collector))
		s.server = serveMetrics(listen, collector)
	}

	s.engine = desfire.New(reader, opts...)
	if err := s.engine.Initialize(); err != nil {
		s.Close()
		return nil, fmt.Errorf("reader init failed: %w", err)
	}
	if pr, ok := reader.(*desfire.PCSCReader); ok {
		fmt.Printf("Using reader [%d]: %s\n", pr.ReaderIdx, pr.Reader)
	}
	return s, nil
}

func serveMetrics(listen string, c *metrics.Collector) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server stopped", "listen", listen, "error", err)
		}
	}()
	slog.Info("serving metrics", "listen", listen, "path", "/metrics")
	return srv
}

// loadKey reads the key from the configured hex file, or prompts for it on
// the terminal without echo.
func loadKey(path string, mode desfire.CryptoMode) (*desfire.Key, error) {
	if path != "" {
		key, err := desfire.LoadKeyHexFile(path, mode)
		if err != nil {
			return nil, fmt.Errorf("key file invalid: %w", err)
		}
		return key, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("no key file configured and stdin is not a terminal")
	}
	fmt.Fprintf(os.Stderr, "%s key (%d hex chars): ", mode, mode.KeySize()*2)
	line, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	defer clear(line)
	return desfire.ParseKeyHex(mode, string(line))
}
