package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/runreveal/lib/await"
	"github.com/runreveal/lib/loader"
	"github.com/spf13/cobra"

	"github.com/depotsync/depotsync"
	"github.com/depotsync/depotsync/internal/pipeline"
	"github.com/depotsync/depotsync/x/traderepublic"
)

var (
	version = "dev"
)

func init() {
	replace := func(groups []string, a slog.Attr) slog.Attr {
		// Remove the directory from the source's filename.
		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
		}
		return a
	}
	level := slog.LevelInfo
	if _, ok := os.LookupEnv("DEPOTSYNC_DEBUG"); ok {
		level = slog.LevelDebug
	}

	h := slog.NewTextHandler(
		os.Stderr,
		&slog.HandlerOptions{
			Level:       level,
			AddSource:   true,
			ReplaceAttr: replace,
		},
	)

	slogger := slog.New(h)
	slog.SetDefault(slogger)
}

func main() {
	slog.Info(fmt.Sprintf("starting %s", path.Base(os.Args[0])), "version", version)
	rootCmd := NewRootCommand()
	syncCmd := NewSyncCommand()
	rootCmd.AddCommand(syncCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error(fmt.Sprintf("%+v", err))
		os.Exit(1)
	}
}

// Build the cobra command that handles our command line tool.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   path.Base(os.Args[0]),
		Short: `depotsync pulls a brokerage account's history into your exporters`,
		Long: `depotsync pulls a brokerage account's transaction timeline and
activity log, enriches monetary events with their detail documents, and hands
the result to one or more configured exporters.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	return rootCmd
}

type MonConfig struct {
	Addr  string `json:"addr"`
	PProf struct {
		Path string `json:"path"`
	} `json:"pprof"`
	Metrics struct {
		Path string `json:"path"`
	} `json:"metrics"`
}

type APIConfig struct {
	BaseURL        string `json:"baseURL"`
	Token          string `json:"token"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

type Config struct {
	API APIConfig `json:"api"`

	// Since is the inclusive lower bound for events, RFC 3339. Empty means
	// the full available history.
	Since          string `json:"since"`
	IncludePending bool   `json:"includePending"`

	Exporters map[string]loader.Loader[depotsync.Exporter] `json:"exporters"`

	Monitoring MonConfig `json:"monitoring"`
}

// Build the cobra command that runs one sync.
func NewSyncCommand() *cobra.Command {
	var config Config
	var configFile string
	var since string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "run one sync against the brokerage API",
		RunE: func(cmd *cobra.Command, args []string) error {
			bts, err := os.ReadFile(configFile)
			if err != nil {
				return err
			}
			err = loader.LoadConfig(bts, &config)
			if err != nil {
				return err
			}
			if since != "" {
				config.Since = since
			}

			var sinceTS int64
			if config.Since != "" {
				t, err := time.Parse(time.RFC3339, config.Since)
				if err != nil {
					return fmt.Errorf("parsing since: %w", err)
				}
				sinceTS = t.Unix()
			}

			copts := []traderepublic.Option{
				traderepublic.WithTokenSource(traderepublic.StaticToken(config.API.Token)),
			}
			if config.API.BaseURL != "" {
				copts = append(copts, traderepublic.WithBaseURL(config.API.BaseURL))
			}
			if config.API.TimeoutSeconds > 0 {
				copts = append(copts,
					traderepublic.WithRequestTimeout(time.Duration(config.API.TimeoutSeconds)*time.Second))
			}
			client := traderepublic.New(copts...)

			proc, err := depotsync.New(client, sinceTS,
				depotsync.IncludePending(config.IncludePending))
			if err != nil {
				return err
			}

			exps := map[string]depotsync.Exporter{}
			for k, v := range config.Exporters {
				exp, err := v.Configure()
				if err != nil {
					return err
				}
				exps[k] = exp
			}

			pl := pipeline.New(
				pipeline.WithProcessor(proc),
				pipeline.WithExporters(exps),
			)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			w := await.New(await.WithSignals)

			if config.Monitoring.Addr != "" {
				mux := http.NewServeMux()
				if prefix := config.Monitoring.PProf.Path; prefix != "" {
					mux.HandleFunc(prefix, pprof.Index)
					mux.HandleFunc(prefix+"cmdline", pprof.Cmdline)
					mux.HandleFunc(prefix+"profile", pprof.Profile)
					mux.HandleFunc(prefix+"symbol", pprof.Symbol)
					mux.HandleFunc(prefix+"trace", pprof.Trace)
				}
				if config.Monitoring.Metrics.Path != "" {
					mux.Handle(config.Monitoring.Metrics.Path, promhttp.Handler())
				}
				server := &http.Server{Addr: config.Monitoring.Addr, Handler: mux}
				w.AddNamed(await.ListenAndServe(server), "monitoring")
			}

			w.Add(await.RunFunc(func(ctx context.Context) error {
				// The monitoring server has no reason to outlive the sync.
				defer cancel()
				return pl.Run(ctx)
			}))

			err = w.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "config.json", "where to load the configuration from")
	cmd.Flags().StringVar(&since, "since", "", "overrides the configured lower time bound (RFC 3339)")
	err := cmd.MarkFlagRequired("config")
	if err != nil {
		panic(err)
	}

	return cmd
}
