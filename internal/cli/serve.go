package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/beaver-mr/internal/metrics"
	"github.com/ChuLiYu/beaver-mr/internal/server"
)

// shutdownTimeout bounds how long serve waits for jobs to checkpoint
const shutdownTimeout = 30 * time.Second

func buildServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gRPC control service",
		Long:  "Serve job submission, resume, DLQ and checkpoint operations over gRPC, plus /metrics when enabled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *runtime) error {
				if addr == "" {
					addr = orDefault(rt.cfg.Server.Address, defaultAddress)
				}
				ctx, stop := signalContext(cmd)
				defer stop()
				return serve(ctx, rt, addr)
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (server.address when empty)")
	return cmd
}

// serve runs the gRPC service and metrics endpoint until ctx is cancelled
func serve(ctx context.Context, rt *runtime, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	grpcServer := grpc.NewServer()
	srv := server.NewServer(ctx, rt.engine)
	srv.Register(grpcServer)

	var httpServer *http.Server
	if rt.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(rt.reg))
		httpServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", rt.cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("gRPC server listening on %s\n", lis.Addr())
		return grpcServer.Serve(lis)
	})

	if httpServer != nil {
		g.Go(func() error {
			log.Printf("Starting metrics server on %s\n", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Println("Received shutdown signal, stopping gracefully...")
		srv.Shutdown()
		grpcServer.GracefulStop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Wait(shutdownCtx); err != nil {
			log.Printf("Jobs still running at shutdown: %v\n", err)
		}
		if httpServer != nil {
			httpServer.Shutdown(shutdownCtx)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	log.Println("Server stopped. Goodbye!")
	return nil
}
