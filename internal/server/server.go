// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the FTX-Server License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package server implementa o servidor de transferência FTX: acceptor,
// reactors não-bloqueantes, máquina de estados por conexão e os comandos do
// protocolo de linha.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nishisan-dev/ftx-server/internal/config"
	"github.com/nishisan-dev/ftx-server/internal/extract"
	"github.com/nishisan-dev/ftx-server/internal/monitor"
	"github.com/nishisan-dev/ftx-server/internal/server/observability"
	"github.com/nishisan-dev/ftx-server/internal/upload"
)

// Server amarra acceptor, reactors, pool de escrita, fila de extração e o
// journal de eventos.
type Server struct {
	cfg    *config.ServerConfig
	logger *slog.Logger

	pool    *upload.Pool
	queue   *extract.Queue
	events  *observability.EventStore
	monitor *monitor.SystemMonitor

	loops    []*netLoop
	listenFd int
	port     int

	startedAt time.Time
	exit      func(int)

	activeConns   atomic.Int32
	activeUploads atomic.Int32
	trafficIn     atomic.Int64

	rr       uint64
	stopping atomic.Bool
}

// New monta o servidor a partir da configuração. Nada de rede acontece até Run.
func New(cfg *config.ServerConfig, logger *slog.Logger) (*Server, error) {
	events, err := observability.NewEventStore(cfg.Events.File, 1000, cfg.Events.MaxLines)
	if err != nil {
		// Fallback: persiste em tmp para não derrubar o servidor por journal.
		logger.Error("creating event store", "error", err, "path", cfg.Events.File)
		events, err = observability.NewEventStore(filepath.Join(os.TempDir(), "ftx-events.jsonl"), 1000, cfg.Events.MaxLines)
		if err != nil {
			return nil, fmt.Errorf("creating fallback event store: %w", err)
		}
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		events: events,
		pool: upload.NewPool(upload.PoolOptions{
			Workers:        cfg.Upload.Workers,
			QueueDepth:     cfg.Upload.QueueDepth,
			MaxPackSize:    cfg.Upload.MaxPackSizeRaw,
			WriteRateLimit: cfg.Upload.WriteRateLimitRaw,
		}, logger),
		monitor:   monitor.NewSystemMonitor(logger),
		listenFd:  -1,
		startedAt: time.Now(),
		exit:      os.Exit,
	}
	// Logs por job ficam ao lado do log do servidor; sem arquivo de log,
	// os jobs herdam apenas o logger global.
	jobLogDir := ""
	if cfg.Logging.File != "" {
		jobLogDir = filepath.Dir(cfg.Logging.File)
	}
	s.queue = extract.NewQueue(cfg.Extract.QueueCapacity, jobLogDir, logger,
		func(level, eventType, message string) {
			events.PushEvent(level, eventType, "", message)
		})

	return s, nil
}

// Port retorna a porta efetivamente ligada (útil quando listen_port == 0).
func (s *Server) Port() int {
	return s.port
}

// Events expõe o journal para o sweeper de manutenção.
func (s *Server) Events() *observability.EventStore {
	return s.events
}

// Run sobe o servidor e bloqueia no accept loop até o context ser cancelado.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.acceptLoop(s.listenFd)
	return nil
}

// Start liga o socket de escuta e inicia reactors e monitor, sem bloquear.
// O accept loop fica por conta do chamador (Run) ou de StartBackground.
func (s *Server) Start() error {
	fd, port, err := s.listenWithTakeover()
	if err != nil {
		return err
	}
	s.listenFd = fd
	s.port = port

	for i := 0; i < s.cfg.Server.Reactors; i++ {
		loop, err := newNetLoop(s, i)
		if err != nil {
			s.closeLoops()
			unix.Close(fd)
			return err
		}
		s.loops = append(s.loops, loop)
		go loop.run()
	}

	s.monitor.Start()
	s.logger.Info("server listening", "port", s.port, "reactors", len(s.loops))
	return nil
}

// StartBackground sobe o servidor com o accept loop em goroutine (testes).
func (s *Server) StartBackground() error {
	if err := s.Start(); err != nil {
		return err
	}
	go s.acceptLoop(s.listenFd)
	return nil
}

// Stop encerra acceptor, reactors, monitor e fila de extração.
func (s *Server) Stop() {
	if s.stopping.Swap(true) {
		return
	}
	if s.listenFd >= 0 {
		unix.Close(s.listenFd)
		s.listenFd = -1
	}
	for _, loop := range s.loops {
		loop.stop()
	}
	s.monitor.Stop()
	s.queue.Close()
	s.pool.Close()
	s.events.Close()
	s.logger.Info("server shutdown complete")
}

func (s *Server) closeLoops() {
	for _, loop := range s.loops {
		loop.stop()
	}
	s.loops = nil
}

// listenWithTakeover tenta o bind; em EADDRINUSE pede SHUTDOWN a uma
// instância anterior via loopback e tenta de novo.
func (s *Server) listenWithTakeover() (int, int, error) {
	fd, port, err := listenSocket(s.cfg.Server.ListenPort, s.cfg.Server.Backlog, int(s.cfg.Server.SocketBufferRaw))
	if err == nil {
		return fd, port, nil
	}

	s.logger.Warn("port busy, attempting takeover of previous instance", "port", s.cfg.Server.ListenPort)
	if rerr := requestShutdown(s.cfg.Server.ListenPort); rerr != nil {
		return -1, 0, fmt.Errorf("port %d busy and takeover failed: %w", s.cfg.Server.ListenPort, err)
	}
	time.Sleep(200 * time.Millisecond)

	return listenSocket(s.cfg.Server.ListenPort, s.cfg.Server.Backlog, int(s.cfg.Server.SocketBufferRaw))
}

// requestShutdown conecta na instância anterior via loopback e envia SHUTDOWN.
func requestShutdown(port int) error {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 2*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte("SHUTDOWN\n")); err != nil {
		return err
	}

	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		return err
	}
	if n < 2 || string(buf[:2]) != "OK" {
		return fmt.Errorf("previous instance refused shutdown: %q", buf[:n])
	}
	return nil
}

// acceptLoop aceita conexões e as distribui round-robin entre os reactors,
// configurando cada socket como não-bloqueante com buffers de 4MB.
func (s *Server) acceptLoop(listenFd int) {
	for {
		nfd, sa, err := unix.Accept4(listenFd, unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if s.stopping.Load() {
				return
			}
			// Falha de accept é logada e ignorada; o servidor segue.
			s.logger.Error("accept failed", "error", err)
			continue
		}

		inet, ok := sa.(*unix.SockaddrInet4)
		if !ok {
			unix.Close(nfd)
			continue
		}

		if err := unix.SetNonblock(nfd, true); err != nil {
			unix.Close(nfd)
			continue
		}
		setSocketBuffers(nfd, int(s.cfg.Server.SocketBufferRaw))
		setRecvTimeout(nfd, s.cfg.Server.RecvTimeout)

		conn := newClientConn(nfd, peerAddr{IP: inet.Addr, Port: inet.Port})
		s.activeConns.Add(1)

		loop := s.loops[s.rr%uint64(len(s.loops))]
		s.rr++
		loop.add(conn)
	}
}
