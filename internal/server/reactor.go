// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the FTX-Server License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// pollTimeoutMs limita cada iteração do poll; junto com o notify pipe,
// garante que o reactor nunca bloqueia indefinidamente.
const pollTimeoutMs = 100

// netLoop é um reactor: uma goroutine com um poll não-bloqueante sobre o
// notify pipe e o conjunto de conexões que possui com exclusividade.
// Contato entre threads acontece apenas pela fila de hand-off (mutex) e pelo
// notify pipe; depois do drain, as conexões pertencem só ao loop.
type netLoop struct {
	srv    *Server
	logger *slog.Logger

	notifyR int
	notifyW int

	mu      sync.Mutex
	pending []*clientConn

	conns   []*clientConn
	stopped atomic.Bool
	done    chan struct{}

	readBuf []byte
}

func newNetLoop(srv *Server, index int) (*netLoop, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("creating notify pipe: %w", err)
	}

	return &netLoop{
		srv:     srv,
		logger:  srv.logger.With("component", "reactor", "index", index),
		notifyR: p[0],
		notifyW: p[1],
		done:    make(chan struct{}),
		readBuf: make([]byte, 64*1024),
	}, nil
}

// add entrega uma conexão aceita ao loop e garante o wakeup do poll.
func (l *netLoop) add(c *clientConn) {
	l.mu.Lock()
	l.pending = append(l.pending, c)
	l.mu.Unlock()

	var wake = [1]byte{'c'}
	unix.Write(l.notifyW, wake[:])
}

// stop encerra o loop; usado no shutdown controlado e em testes.
func (l *netLoop) stop() {
	if l.stopped.Swap(true) {
		return
	}
	var wake = [1]byte{'q'}
	unix.Write(l.notifyW, wake[:])
	<-l.done
}

// drainPending move as conexões da fila de hand-off para o conjunto do loop.
func (l *netLoop) drainPending() {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, c := range pending {
		l.conns = append(l.conns, c)
		l.logger.Debug("client connected", "remote", c.peer.String())
	}
}

// compact remove conexões fechadas ou destacadas do conjunto.
func (l *netLoop) compact() {
	writeIdx := 0
	for _, c := range l.conns {
		if c.fd >= 0 {
			l.conns[writeIdx] = c
			writeIdx++
		}
	}
	for i := writeIdx; i < len(l.conns); i++ {
		l.conns[i] = nil
	}
	l.conns = l.conns[:writeIdx]
}

// run é o corpo do reactor. Cada iteração: drena o hand-off, monta o poll
// set (notify pipe + conexões), espera até 100ms, processa readiness e
// compacta o conjunto.
func (l *netLoop) run() {
	defer close(l.done)
	defer l.shutdown()

	pfds := make([]unix.PollFd, 0, 16)

	for {
		if l.stopped.Load() {
			return
		}

		l.drainPending()

		pfds = pfds[:0]
		pfds = append(pfds, unix.PollFd{Fd: int32(l.notifyR), Events: unix.POLLIN})
		for _, c := range l.conns {
			pfds = append(pfds, unix.PollFd{Fd: int32(c.fd), Events: unix.POLLIN})
		}

		n, err := unix.Poll(pfds, pollTimeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			l.logger.Error("poll failed", "error", err)
			continue
		}
		if n == 0 {
			continue
		}

		if pfds[0].Revents&unix.POLLIN != 0 {
			l.drainNotify()
			l.drainPending()
		}

		// O poll set foi montado a partir de l.conns na mesma ordem; o drain
		// acima só faz append, então os índices continuam válidos.
		limit := len(pfds) - 1
		for i := 0; i < limit; i++ {
			revents := pfds[i+1].Revents
			if revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
				continue
			}
			c := l.conns[i]
			if c.fd < 0 {
				continue
			}
			l.handleReadable(c)
		}

		l.compact()
	}
}

// drainNotify esvazia o lado de leitura do notify pipe.
func (l *netLoop) drainNotify() {
	var buf [64]byte
	for {
		n, err := unix.Read(l.notifyR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// handleReadable faz uma leitura da conexão e alimenta a máquina de estados.
func (l *netLoop) handleReadable(c *clientConn) {
	n, err := unix.Read(c.fd, l.readBuf)
	if err == unix.EAGAIN || err == unix.EINTR {
		return
	}
	if n <= 0 {
		// recv retornando 0 ou erro fecha a conexão. Um upload interrompido
		// no meio do stream deixa os arquivos parciais em disco e conta erro.
		if c.mode == modeUpload {
			l.srv.uploadAborted(c)
		}
		l.closeConn(c)
		return
	}

	data := l.readBuf[:n]
	l.srv.trafficIn.Add(int64(n))

	switch c.mode {
	case modeCommand:
		if len(c.cmdBuf)+n > cmdBufferSize {
			l.logger.Warn("command buffer overflow", "remote", c.peer.String())
			l.closeConn(c)
			return
		}
		c.cmdBuf = append(c.cmdBuf, data...)
		idx := bytes.IndexByte(c.cmdBuf, '\n')
		if idx < 0 {
			return
		}
		line := string(bytes.TrimRight(c.cmdBuf[:idx], "\r"))
		// Bytes recebidos no mesmo segmento depois do '\n' pertencem ao
		// próximo modo: um client que pipelineia frames atrás do UPLOAD_V2
		// sem esperar o READY não pode perder o início do stream.
		rest := append([]byte(nil), c.cmdBuf[idx+1:]...)
		c.cmdBuf = c.cmdBuf[:0]

		l.srv.dispatch(l, c, line)

		if c.fd >= 0 && c.mode == modeUpload && len(rest) > 0 {
			l.feedUpload(c, rest)
		}

	case modeUpload:
		l.feedUpload(c, data)
	}
}

// feedUpload avança o stream de upload da conexão e trata os dois desfechos
// terminais: erro (poisona e fecha) e FINISH (responde SUCCESS e fecha).
func (l *netLoop) feedUpload(c *clientConn, data []byte) {
	done, err := c.upload.Feed(data)
	if err != nil {
		writeLine(c.fd, "ERROR: Upload failed")
		l.srv.uploadFailed(c, err)
		l.closeConn(c)
		return
	}
	if done {
		l.srv.uploadFinished(c)
		l.closeConn(c)
	}
}

// closeConn fecha a conexão dentro do loop.
func (l *netLoop) closeConn(c *clientConn) {
	if c.fd >= 0 {
		l.srv.activeConns.Add(-1)
	}
	c.close()
}

// shutdown fecha tudo que o loop ainda possui.
func (l *netLoop) shutdown() {
	l.drainPending()
	for _, c := range l.conns {
		l.closeConn(c)
	}
	l.conns = nil
	unix.Close(l.notifyR)
	unix.Close(l.notifyW)
}
