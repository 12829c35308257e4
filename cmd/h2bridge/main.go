// Command h2bridge serves HTTP/2 streams through per-stream body channels.
//
// By default it runs a loopback session: a client and a server connected by
// an in-memory pipe, driving a number of echo (and optionally file) streams
// through the full stack and reporting what moved. With -listen it serves
// prior-knowledge h2c on the configured address instead.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"example.com/h2bridge/internal/config"
	h2 "example.com/h2bridge/internal/http2"
	"example.com/h2bridge/internal/logger"
	"example.com/h2bridge/internal/router"
	"example.com/h2bridge/internal/server"
	"example.com/h2bridge/internal/session"
)

type options struct {
	configPath  string
	listen      bool
	metricsAddr string
	streams     int
	bodySize    uint64
	file        string
}

func parseFlags(args []string) (*options, error) {
	fs := flag.NewFlagSet("h2bridge", flag.ContinueOnError)
	opts := &options{}
	var bodySize string
	fs.StringVar(&opts.configPath, "config", "", "Path to the configuration file (JSON or TOML)")
	fs.BoolVar(&opts.listen, "listen", false, "Serve h2c on server.address instead of running a loopback session")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address (with -listen)")
	fs.IntVar(&opts.streams, "streams", 8, "Number of loopback streams to run")
	fs.StringVar(&bodySize, "body-size", "256KiB", "Request body size of each loopback echo stream")
	fs.StringVar(&opts.file, "file", "", "Also fetch this file through a files route on every other stream")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	n, err := humanize.ParseBytes(bodySize)
	if err != nil {
		return nil, fmt.Errorf("invalid -body-size %q: %w", bodySize, err)
	}
	opts.bodySize = n
	if opts.streams < 1 {
		return nil, fmt.Errorf("-streams must be at least 1")
	}
	if opts.file != "" {
		abs, err := filepath.Abs(opts.file)
		if err != nil {
			return nil, fmt.Errorf("invalid -file: %w", err)
		}
		opts.file = abs
	}
	return opts, nil
}

func loadConfig(opts *options) (*config.Config, error) {
	var cfg *config.Config
	if opts.configPath != "" {
		path, err := filepath.Abs(opts.configPath)
		if err != nil {
			return nil, fmt.Errorf("error getting absolute path for config file %s: %w", opts.configPath, err)
		}
		if cfg, err = config.LoadConfig(path); err != nil {
			return nil, err
		}
	} else {
		cfg = &config.Config{}
		config.ApplyDefaults(cfg)
	}

	if len(cfg.Routes) == 0 {
		cfg.Routes = []config.Route{{PathPattern: "/echo", MatchType: config.MatchTypeExact, HandlerType: config.HandlerTypeEcho}}
	}
	if opts.file != "" {
		cfg.Routes = append(cfg.Routes, config.Route{
			PathPattern:  "/files/",
			MatchType:    config.MatchTypePrefix,
			HandlerType:  config.HandlerTypeFiles,
			DocumentRoot: filepath.Dir(opts.file),
		})
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatalf("h2bridge: %v", err)
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		log.Fatalf("h2bridge: %v", err)
	}
	lg, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("h2bridge: failed to initialize logger: %v", err)
	}
	defer func() {
		if err := lg.CloseLogFiles(); err != nil {
			log.Printf("Error closing log files during shutdown: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go reopenOnHangup(ctx, lg)

	if opts.listen {
		err = serve(ctx, cfg, opts, lg)
	} else {
		err = loopback(ctx, cfg, opts, lg, os.Stdout)
	}
	if err != nil {
		lg.Error("h2bridge failed", logger.LogFields{"error": err.Error()})
		_ = lg.CloseLogFiles()
		os.Exit(1)
	}
}

func reopenOnHangup(ctx context.Context, lg *logger.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := lg.ReopenLogFiles(); err != nil {
				lg.Error("Failed to reopen log files", logger.LogFields{"error": err.Error()})
			} else {
				lg.Info("Reopened log files")
			}
		}
	}
}

func serve(ctx context.Context, cfg *config.Config, opts *options, lg *logger.Logger) error {
	reg := prometheus.NewRegistry()
	metrics := h2.NewMetrics("h2bridge", reg)
	rtr, err := router.New(cfg.Routes, lg)
	if err != nil {
		return err
	}
	srv, err := server.New(cfg, rtr.Serve, metrics, lg)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := srv.ListenAndServe(gctx)
		if server.IsAddrInUse(err) {
			return fmt.Errorf("%s is already in use: %w", *cfg.Server.Address, err)
		}
		return err
	})
	if opts.metricsAddr != "" {
		hs := &http.Server{
			Addr:              opts.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

// loopback runs one session over an in-memory pipe and drives opts.streams
// requests through it.
func loopback(ctx context.Context, cfg *config.Config, opts *options, lg *logger.Logger, out io.Writer) error {
	reg := prometheus.NewRegistry()
	metrics := h2.NewMetrics("h2bridge", reg)
	rtr, err := router.New(cfg.Routes, lg)
	if err != nil {
		return err
	}

	serverConn, clientConn := net.Pipe()
	m := h2.NewMplx(*cfg.Mplx, lg, metrics)
	sess, err := session.New(serverConn, *cfg.Session, m, rtr.Serve, lg)
	if err != nil {
		return err
	}

	start := time.Now()
	var sent, received atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	sessCtx, stopSession := context.WithCancel(gctx)
	defer stopSession()
	g.Go(func() error { return sess.Serve(sessCtx) })
	g.Go(func() error {
		defer stopSession()
		client, err := session.Dial(gctx, clientConn, lg)
		if err != nil {
			return err
		}
		defer client.Close()
		return drive(gctx, client, opts, &sent, &received)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	elapsed := time.Since(start)
	rate := float64(sent.Load()+received.Load()) / elapsed.Seconds()
	fmt.Fprintf(out, "%d streams: sent %s, received %s in %s (%s/s)\n",
		opts.streams, humanize.IBytes(uint64(sent.Load())), humanize.IBytes(uint64(received.Load())),
		elapsed.Round(time.Millisecond), humanize.IBytes(uint64(rate)))
	return printMetrics(out, reg)
}

func drive(ctx context.Context, client *session.Client, opts *options, sent, received *atomic.Int64) error {
	var fileContent []byte
	if opts.file != "" {
		var err error
		if fileContent, err = os.ReadFile(opts.file); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for i := 0; i < opts.streams; i++ {
		g.Go(func() error {
			req := &session.ClientRequest{Method: "POST", Path: "/echo", Body: pattern(i, opts.bodySize)}
			want := req.Body
			if opts.file != "" && i%2 == 1 {
				req = &session.ClientRequest{Method: "GET", Path: "/files/" + filepath.Base(opts.file)}
				want = fileContent
			}
			resp, err := client.Do(gctx, req)
			if err != nil {
				return fmt.Errorf("stream %d: %w", i, err)
			}
			sent.Add(int64(len(req.Body)))
			received.Add(int64(len(resp.Body)))
			if resp.Reset {
				return fmt.Errorf("stream %d: reset with %s", i, resp.ResetCode)
			}
			if resp.Status != http.StatusOK {
				return fmt.Errorf("stream %d: status %d", i, resp.Status)
			}
			if !bytes.Equal(resp.Body, want) {
				return fmt.Errorf("stream %d: body mismatch, got %s want %s",
					i, humanize.IBytes(uint64(len(resp.Body))), humanize.IBytes(uint64(len(want))))
			}
			return nil
		})
	}
	return g.Wait()
}

func pattern(seed int, n uint64) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte('a' + (seed+i)%26)
	}
	return p
}

func printMetrics(out io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })
	for _, mf := range families {
		var total float64
		for _, metric := range mf.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				total += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				total += metric.GetGauge().GetValue()
			}
		}
		fmt.Fprintf(out, "  %-40s %s\n", mf.GetName(), humanize.Commaf(total))
	}
	return nil
}
