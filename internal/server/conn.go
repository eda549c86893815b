// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the FTX-Server License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"golang.org/x/sys/unix"

	"github.com/nishisan-dev/ftx-server/internal/upload"
)

// cmdBufferSize limita o acúmulo de uma linha de comando.
const cmdBufferSize = 4096

// connMode é o modo corrente de uma conexão.
type connMode int

const (
	// modeCommand interpreta linhas de comando terminadas em '\n'.
	modeCommand connMode = iota
	// modeUpload alimenta cada byte recebido no parser de frames da sessão.
	modeUpload
)

// clientConn é o estado por socket dentro de um reactor.
// Criada no accept, inserida no conjunto do reactor, destruída quando o
// socket fecha ou um erro a encerra.
type clientConn struct {
	fd     int
	peer   peerAddr
	mode   connMode
	cmdBuf []byte
	upload *upload.Session
}

func newClientConn(fd int, peer peerAddr) *clientConn {
	return &clientConn{
		fd:     fd,
		peer:   peer,
		mode:   modeCommand,
		cmdBuf: make([]byte, 0, cmdBufferSize),
	}
}

// close encerra o socket e destrói a sessão de upload, se houver.
func (c *clientConn) close() {
	if c.upload != nil {
		c.upload.Destroy()
		c.upload = nil
	}
	if c.fd >= 0 {
		unix.Close(c.fd)
		c.fd = -1
	}
}

// detach transfere a posse do fd para um worker destacado: o reactor deixa
// de enxergar o socket como vivo e a compactação o remove sem fechá-lo.
func (c *clientConn) detach() int {
	fd := c.fd
	c.fd = -1
	return fd
}
