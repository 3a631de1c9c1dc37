// Command public-bucket serves objects from a storage bucket over HTTP with
// full support for single and multiple byte-range requests.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/storacha/public-bucket/bucket"
	"github.com/storacha/public-bucket/bucket/gcs"
	"github.com/storacha/public-bucket/bucket/s3"
	"github.com/storacha/public-bucket/internal/config"
	"github.com/storacha/public-bucket/internal/logging"
	"github.com/storacha/public-bucket/internal/metrics"
	"github.com/storacha/public-bucket/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:          "public-bucket",
		Short:        "Serve bucket objects over HTTP with byte-range support",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config-file", "", "Path to a YAML configuration file")

	v, err := config.BindFlags(root.PersistentFlags())
	if err != nil {
		// Only reachable if a flag default has an unsupported type.
		panic(err)
	}

	root.AddCommand(newServeCmd(v, &configFile), newConfigCmd(v, &configFile))
	return root
}

func newServeCmd(v *viper.Viper, configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, *configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func newConfigCmd(v *viper.Viper, configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "print",
		Short: "Print the merged configuration as YAML with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, *configFile)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	logCloser, err := logging.Setup(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()

	b, err := openBucket(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening %s bucket: %w", cfg.Backend, err)
	}
	if cfg.Backend == config.BackendMemory {
		log.Warn().Msg("Serving from an empty in-memory bucket; every object will be 404")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	h, err := server.New(b,
		server.WithMaxBatchSize(int64(cfg.MaxBatchSize)),
		server.WithMaxConcurrentFetches(cfg.MaxConcurrentFetches),
		server.WithRecorder(m),
		server.WithLogger(log.Logger),
	)
	if err != nil {
		return err
	}

	servers := []*http.Server{{Addr: cfg.ListenAddr, Handler: server.NewRouter(h, log.Logger)}}
	if cfg.AdminAddr != "" {
		servers = append(servers, &http.Server{
			Addr:    cfg.AdminAddr,
			Handler: server.NewAdminRouter(cfg.Backend, metrics.Handler(reg)),
		})
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			log.Info().Str("addr", srv.Addr).Str("backend", cfg.Backend).Msg("Listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serving on %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Dur("timeout", cfg.ShutdownTimeout).Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()

		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutting down %s: %w", srv.Addr, err))
			}
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server stopped with error")
		return err
	}
	log.Info().Msg("Server stopped")
	return nil
}

// openBucket builds the storage backend named by cfg.Backend.
func openBucket(ctx context.Context, cfg config.Config) (bucket.Bucket, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return bucket.NewMemory(), nil
	case config.BackendFS:
		return bucket.NewFS(cfg.FS.Root)
	case config.BackendS3:
		client, err := s3.NewClient(ctx, s3.ClientConfig{
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			UsePathStyle:    cfg.S3.UsePathStyle,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		store, err := s3.New(client, s3.Config{Bucket: cfg.S3.Bucket, Prefix: cfg.S3.Prefix})
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendGCS:
		client, err := gcs.NewClient(ctx, cfg.GCS.Endpoint)
		if err != nil {
			return nil, err
		}
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.GCS.Bucket, Prefix: cfg.GCS.Prefix})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
