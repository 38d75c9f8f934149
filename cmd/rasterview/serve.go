package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tingold/rasterstream"
	"github.com/tingold/rasterstream/internal/server"
)

const version = "1.0.0"

var serveCmd = &cobra.Command{
	Use:   "serve <locator>",
	Short: "Serve frames of a raster over HTTP",
	Long: `serve loads a raster and exposes its stream worker over HTTP.

Endpoints:
  GET  /api/v1/health
  GET  /api/v1/info
  POST /api/v1/viewport?bbox=minx,miny,maxx,maxy&ppu=N
  GET  /api/v1/frame
  GET  /api/v1/render?bbox=minx,miny,maxx,maxy&ppu=N`,
	Args: cobra.ExactArgs(1),
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("bind", "b", "localhost", "bind address")
	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	serveCmd.Flags().Duration("timeout", 30*time.Second, "request timeout")

	viper.BindPFlag("server.bind", serveCmd.Flags().Lookup("bind"))
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.timeout", serveCmd.Flags().Lookup("timeout"))
}

func runServe(cmd *cobra.Command, args []string) error {
	opts, err := options()
	if err != nil {
		return err
	}
	addr := fmt.Sprintf("%s:%d", viper.GetString("server.bind"), viper.GetInt("server.port"))
	timeout := viper.GetDuration("server.timeout")

	sess := rasterstream.NewSession(opts, rasterstream.SinkCallbacks{
		OnError: func(err error) {
			opts.Logger.Error("stream error", "error", err)
		},
	})
	defer sess.Close()
	if err := sess.Load(cmd.Context(), rasterstream.ParseLocator(args[0])); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.NewServer(sess, version, opts.Logger).Routes(timeout),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		fmt.Fprintf(cmd.ErrOrStderr(), "\nShutting down server...\n")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			opts.Logger.Error("server shutdown failed", "error", err)
		}
	}()

	fmt.Fprintf(cmd.ErrOrStderr(), "Starting rasterview server on %s\n", addr)
	fmt.Fprintf(cmd.ErrOrStderr(), "Health check: http://%s/api/v1/health\n", addr)

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %v", err)
	}
	return nil
}
