// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the FTX-Server License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/nishisan-dev/ftx-server/internal/config"
	"github.com/nishisan-dev/ftx-server/internal/logging"
	"github.com/nishisan-dev/ftx-server/internal/maintenance"
	"github.com/nishisan-dev/ftx-server/internal/server"
)

// pidFile registra o PID do servidor para os utilitários do console.
const pidFile = "/data/ftx/server.pid"

func main() {
	configPath := flag.String("config", "/data/ftx/server.yaml", "path to server config file")
	flag.Parse()

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	// As capabilities elevadas de filesystem precisam estar de pé antes de
	// criar diretórios em /data ou ligar a porta; o loader do payload cuida
	// disso antes do exec, então aqui é só um registro.
	logger.Info("starting ftx-server", "version", server.Version, "config", *configPath)

	writePIDFile(logger)

	// Context com cancelamento via signal
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Error("server init failed", "error", err)
		os.Exit(1)
	}

	sweeper := maintenance.NewSweeper(
		[]string{cfg.Storage.GamesPath, cfg.Storage.FallbackPath},
		cfg.Maintenance.PartialMaxAge,
		srv.Events(),
		logger,
	)
	if err := sweeper.Start(cfg.Maintenance.Schedule); err != nil {
		logger.Error("maintenance scheduler failed", "error", err)
		os.Exit(1)
	}
	defer sweeper.Stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// writePIDFile grava o PID em /data/ftx; falhas não são fatais (o payload
// pode rodar antes do /data existir em consoles recém-provisionados).
func writePIDFile(logger *slog.Logger) {
	if err := os.MkdirAll("/data/ftx", 0777); err != nil {
		logger.Warn("creating pid directory", "error", err)
		return
	}
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0666); err != nil {
		logger.Warn("writing pid file", "error", err)
	}
}
