// Watchtower healthcheck - exits 0 once the capture pipeline reports SERVING
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"

	"github.com/GriffinCanCode/watchtower/internal/config"
	"github.com/GriffinCanCode/watchtower/internal/grpcclient"
	"github.com/GriffinCanCode/watchtower/internal/resilience"
	"github.com/GriffinCanCode/watchtower/internal/server"
)

func main() {
	cfg := config.Load()

	addr := flag.String("addr", dialAddr(cfg.GRPCAddr), "gRPC health address")
	service := flag.String("service", server.ServiceName, "service to check, empty for the whole server")
	wait := flag.Bool("wait", false, "retry with backoff instead of checking once")
	flag.Parse()

	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelWarn, TimeFormat: time.TimeOnly})))

	client, err := grpcclient.New(*addr)
	if err != nil {
		slog.Error("dial failed", "addr", *addr, "error", err)
		os.Exit(2)
	}
	defer client.Close()

	ctx := context.Background()
	if *wait {
		err = client.WaitServing(ctx, *service, resilience.DefaultRetryConfig())
	} else {
		err = client.Check(ctx, *service)
	}
	if err != nil {
		slog.Error("not serving", "addr", *addr, "service", *service, "error", err)
		client.Close()
		os.Exit(1)
	}
}

// dialAddr turns a listen address like ":50051" into something dialable.
func dialAddr(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "localhost" + listen
	}
	return listen
}
