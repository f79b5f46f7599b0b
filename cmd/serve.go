package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/markb/pljs/internal/log"
	"github.com/markb/pljs/internal/observability"
	"github.com/markb/pljs/internal/pgwire"
	"github.com/markb/pljs/internal/rpc"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve procedures over HTTP and the PostgreSQL wire protocol",
	Long: `Starts the RPC server (POST /rpc/{name}) and, with --pg-port, a PostgreSQL wire
protocol listener that gives every client connection its own engine session.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		host, _ := cmd.Flags().GetString("host")
		pgPort, _ := cmd.Flags().GetInt("pg-port")
		pgPassword, _ := cmd.Flags().GetString("pg-password")
		poolSize, _ := cmd.Flags().GetInt("sessions")
		jwtSecret, _ := cmd.Flags().GetString("jwt-secret")
		if jwtSecret == "" {
			jwtSecret = os.Getenv("PLJS_JWT_SECRET")
		}

		engCfg, plCfg, err := runtimeConfig(cmd)
		if err != nil {
			return err
		}

		telCfg := observability.NewConfig()
		telCfg.Exporter, _ = cmd.Flags().GetString("otel-exporter")
		telCfg.Endpoint, _ = cmd.Flags().GetString("otel-endpoint")
		telCfg.SampleRate, _ = cmd.Flags().GetFloat64("otel-sample-rate")
		telCfg.MetricsEnabled = telCfg.ShouldEnable()
		telCfg.TracesEnabled = telCfg.ShouldEnable()
		tel, shutdownTel, err := observability.Init(cmd.Context(), telCfg)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer shutdownTel()
		if telCfg.ShouldEnable() {
			plCfg.Observer = tel.ProcObserver()
		}

		database, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer database.Close()

		pool := rpc.NewPool(database, poolSize, engCfg, plCfg)
		defer pool.Close()

		var opts rpc.Options
		opts.JWTSecret = jwtSecret
		if telCfg.ShouldEnable() {
			opts.Telemetry = tel
		}
		addr := fmt.Sprintf("%s:%d", host, port)
		srv := &http.Server{
			Addr:              addr,
			Handler:           rpc.NewRouter(rpc.NewHandler(rpc.NewExecutor(pool)), opts),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 2)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		fmt.Printf("Starting pljs on %s\n", addr)
		fmt.Printf("  RPC API: http://%s/rpc/{name}\n", addr)
		if jwtSecret != "" {
			fmt.Println("  RPC auth: bearer token required")
		}

		var wireSrv *pgwire.Server
		if pgPort > 0 {
			wireSrv, err = pgwire.NewServer(database, pgwire.Config{
				Address:  fmt.Sprintf("%s:%d", host, pgPort),
				Password: pgPassword,
				Logger:   log.Logger(),
				Engine:   engCfg,
				PL:       plCfg,
			})
			if err != nil {
				return err
			}
			go func() {
				if err := wireSrv.ListenAndServe(); err != nil {
					errCh <- err
				}
			}()
			fmt.Printf("  PostgreSQL: %s:%d\n", host, pgPort)
		}

		select {
		case <-cmd.Context().Done():
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if wireSrv != nil {
			if err := wireSrv.Shutdown(ctx); err != nil {
				log.Warn("pgwire shutdown", "error", err)
			}
		}
		return srv.Shutdown(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	f := serveCmd.Flags()
	f.IntP("port", "p", 8080, "HTTP port to listen on")
	f.String("host", "0.0.0.0", "Host to bind to")
	f.Int("pg-port", 0, "PostgreSQL wire protocol port (0 disables)")
	f.String("pg-password", "", "Password PostgreSQL clients must send (empty = no auth)")
	f.Int("sessions", 4, "Engine sessions serving RPC requests")
	f.String("jwt-secret", "", "Require HS256 bearer tokens signed with this secret (or PLJS_JWT_SECRET)")
	f.String("otel-exporter", "none", "Telemetry exporter: none, stdout or otlp")
	f.String("otel-endpoint", "localhost:4317", "OTLP collector address")
	f.Float64("otel-sample-rate", 0.1, "Fraction of traces kept")
	addRuntimeFlags(serveCmd)
}
