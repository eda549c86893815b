// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the FTX-Server License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// writeAllTimeout limita quanto tempo uma resposta pode esperar por POLLOUT
// num socket não-bloqueante com buffer cheio.
const writeAllTimeout = 10 * time.Second

// listenSocket cria o socket de escuta TCP com as opções do servidor:
// SO_REUSEADDR, buffers de 4MB e o backlog configurado.
// Retorna o fd e a porta efetiva (relevante quando port == 0, em testes).
func listenSocket(port, backlog int, bufBytes int) (fd int, boundPort int, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, 0, fmt.Errorf("creating listen socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("setting SO_REUSEADDR: %w", err)
	}
	setSocketBuffers(fd, bufBytes)

	sa := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("binding port %d: %w", port, err)
	}

	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("listening: %w", err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("resolving bound address: %w", err)
	}
	inet, ok := bound.(*unix.SockaddrInet4)
	if !ok {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("unexpected bound address family")
	}

	return fd, inet.Port, nil
}

// setSocketBuffers aplica SO_RCVBUF/SO_SNDBUF. Falhas são ignoradas: o kernel
// pode recusar tamanhos acima do limite e o servidor segue com o default.
func setSocketBuffers(fd, bufBytes int) {
	if bufBytes <= 0 {
		return
	}
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, bufBytes)
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, bufBytes)
}

// setRecvTimeout aplica SO_RCVTIMEO. Só tem efeito em reads bloqueantes
// (legacy upload e extração síncrona); o reactor usa poll e não depende disso.
func setRecvTimeout(fd int, d time.Duration) {
	if d <= 0 {
		return
	}
	tv := unix.NsecToTimeval(d.Nanoseconds())
	unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
}

// peerAddr identifica o lado remoto de uma conexão aceita.
type peerAddr struct {
	IP   [4]byte
	Port int
}

func (a peerAddr) String() string {
	return fmt.Sprintf("%s:%d", net.IP(a.IP[:]).String(), a.Port)
}

// isLoopback informa se o peer é 127.0.0.0/8.
func (a peerAddr) isLoopback() bool {
	return a.IP[0] == 127
}

// writeAll escreve todo o buffer num fd não-bloqueante, esperando POLLOUT
// em EAGAIN. Usado para respostas de comando; os payloads são pequenos e o
// buffer de envio tem 4MB, então a espera é excepcional.
func writeAll(fd int, data []byte) error {
	deadline := time.Now().Add(writeAllTimeout)
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if n > 0 {
			data = data[n:]
			continue
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			if time.Now().After(deadline) {
				return fmt.Errorf("write stalled past %s", writeAllTimeout)
			}
			pfds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
			if _, perr := unix.Poll(pfds, 1000); perr != nil && perr != unix.EINTR {
				return fmt.Errorf("polling for writability: %w", perr)
			}
		default:
			if err == nil {
				// write retornou 0 sem erro: socket inutilizável
				return fmt.Errorf("zero-length write on fd %d", fd)
			}
			return fmt.Errorf("writing to socket: %w", err)
		}
	}
	return nil
}

// writeLine envia uma resposta de uma linha terminada em '\n'.
func writeLine(fd int, line string) error {
	return writeAll(fd, []byte(line+"\n"))
}

// readFull lê exatamente len(buf) bytes de um fd bloqueante.
// Nenhum handler atual o chama; o legacy upload lê com unix.Read diretamente.
func readFull(fd int, buf []byte) error {
	read := 0
	for read < len(buf) {
		n, err := unix.Read(fd, buf[read:])
		if n > 0 {
			read += n
			continue
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("reading from socket: %w", err)
		}
		return fmt.Errorf("connection closed after %d of %d bytes", read, len(buf))
	}
	return nil
}
