// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the FTX-Server License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nishisan-dev/ftx-server/internal/extract"
	"github.com/nishisan-dev/ftx-server/internal/pathsafe"
)

// Version é a versão reportada pelo comando VERSION.
const Version = "1.2.0"

// dispatch roteia a primeira linha completa recebida em modo comando.
// Comandos síncronos respondem e fecham a conexão; UPLOAD_V2 transiciona a
// conexão para modo upload; UPLOAD e EXTRACT_ARCHIVE destacam o socket para
// um worker próprio.
func (s *Server) dispatch(l *netLoop, c *clientConn, line string) {
	verb, args, _ := strings.Cut(line, " ")
	args = strings.TrimSpace(args)

	s.logger.Debug("command received", "remote", c.peer.String(), "verb", verb)

	switch verb {
	case "SHUTDOWN":
		s.handleShutdown(l, c)

	case "UPLOAD_V2":
		s.handleUploadV2(l, c, args)

	case "UPLOAD":
		s.handleLegacyUpload(l, c, args)

	case "EXTRACT_ARCHIVE":
		s.handleExtractArchive(l, c, args)

	case "LIST_STORAGE":
		s.handleListStorage(c)
		l.closeConn(c)

	case "LIST_DIR":
		s.handleListDir(c, args)
		l.closeConn(c)

	case "TEST_WRITE":
		s.handleTestWrite(c, args)
		l.closeConn(c)

	case "CREATE_PATH":
		s.handleCreatePath(c, args)
		l.closeConn(c)

	case "CHECK_DIR":
		s.handleCheckDir(c, args)
		l.closeConn(c)

	case "DELETE_PATH":
		s.handleDeletePath(c, args)
		l.closeConn(c)

	case "MOVE_PATH":
		s.handleMovePath(c, args)
		l.closeConn(c)

	case "COPY_PATH":
		s.handleCopyPath(c, args)
		l.closeConn(c)

	case "CHMOD_777":
		s.handleChmod777(c, args)
		l.closeConn(c)

	case "GET_SPACE":
		s.handleGetSpace(c, args)
		l.closeConn(c)

	case "HASH_FILE":
		s.handleHashFile(c, args)
		l.closeConn(c)

	case "VERSION":
		writeLine(c.fd, "VERSION "+Version)
		l.closeConn(c)

	case "PROBE_RAR":
		s.handleProbeRar(c, args)
		l.closeConn(c)

	case "PAYLOAD_STATUS":
		s.handlePayloadStatus(c)
		l.closeConn(c)

	case "QUEUE_EXTRACT":
		s.handleQueueExtract(c, args)
		l.closeConn(c)

	case "QUEUE_CANCEL":
		s.handleQueueCancel(c, args)
		l.closeConn(c)

	case "QUEUE_CLEAR":
		dropped := s.queue.Clear()
		s.logger.Info("extraction queue cleared", "dropped", dropped)
		writeLine(c.fd, "OK")
		l.closeConn(c)

	default:
		writeLine(c.fd, "ERROR: Unknown command")
		l.closeConn(c)
	}
}

// handleShutdown encerra o processo. Aceito apenas de loopback.
func (s *Server) handleShutdown(l *netLoop, c *clientConn) {
	if !c.peer.isLoopback() {
		s.logger.Warn("unauthorized shutdown attempt", "remote", c.peer.String())
		writeLine(c.fd, "ERROR: Unauthorized")
		l.closeConn(c)
		return
	}

	writeLine(c.fd, "OK")
	l.closeConn(c)

	s.logger.Info("shutdown requested from loopback")
	s.events.PushEvent("info", "shutdown", c.peer.String(), "shutting down")
	s.events.Close()
	s.exit(0)
}

// handleUploadV2 valida o destino, cria a sessão e transiciona para UPLOAD.
func (s *Server) handleUploadV2(l *netLoop, c *clientConn, args string) {
	dest := firstField(args)
	if dest == "" {
		writeLine(c.fd, "ERROR: Invalid UPLOAD_V2 format")
		l.closeConn(c)
		return
	}

	if err := pathsafe.ValidateAbsPath(dest, s.cfg.Storage.Whitelist); err != nil {
		s.logger.Warn("upload destination rejected", "remote", c.peer.String(), "dest", dest)
		writeLine(c.fd, "ERROR: Invalid destination path")
		l.closeConn(c)
		return
	}

	sess, err := s.pool.NewSession(dest)
	if err != nil {
		s.logger.Error("upload session init failed", "dest", dest, "error", err)
		writeLine(c.fd, "ERROR: Upload init failed")
		l.closeConn(c)
		return
	}

	c.upload = sess
	c.mode = modeUpload
	s.activeUploads.Add(1)
	s.logger.Info("upload started", "remote", c.peer.String(), "dest", dest)

	if err := writeLine(c.fd, "READY"); err != nil {
		s.uploadAborted(c)
		l.closeConn(c)
	}
}

// handleLegacyUpload destaca o socket para o handler single-shot.
// Depois do hand-off o reactor zera o fd e a compactação o descarta.
func (s *Server) handleLegacyUpload(l *netLoop, c *clientConn, args string) {
	fd := c.detach()
	go s.runLegacyUpload(fd, c.peer, args)
}

// handleExtractArchive roda uma extração síncrona num worker destacado que
// passa a possuir o socket pela duração do comando; o callback de progresso
// escreve no socket sem disputa com o reactor.
func (s *Server) handleExtractArchive(l *netLoop, c *clientConn, args string) {
	fd := c.detach()
	go s.runSyncExtraction(fd, c.peer, args)
}

// handleQueueExtract enfileira uma extração em background.
// Formato: QUEUE_EXTRACT <src> <dst> [preset]
func (s *Server) handleQueueExtract(c *clientConn, args string) {
	fields := strings.Fields(args)
	if len(fields) < 2 {
		writeLine(c.fd, "ERROR: Invalid QUEUE_EXTRACT format")
		return
	}
	src, dest := fields[0], fields[1]
	preset := s.cfg.Extract.Preset
	if len(fields) >= 3 {
		preset = fields[2]
	}

	if err := pathsafe.ValidateAbsPath(src, s.cfg.Storage.Whitelist); err != nil {
		writeLine(c.fd, "ERROR: Invalid source path")
		return
	}
	if err := pathsafe.ValidateAbsPath(dest, s.cfg.Storage.Whitelist); err != nil {
		writeLine(c.fd, "ERROR: Invalid destination path")
		return
	}

	job, err := s.queue.Enqueue(src, dest, preset)
	if err != nil {
		writeLine(c.fd, "ERROR: Extraction queue full")
		return
	}
	writeLine(c.fd, "QUEUED "+job.ID)
}

// handleQueueCancel aborta um job por id.
func (s *Server) handleQueueCancel(c *clientConn, args string) {
	id := firstField(args)
	if id == "" {
		writeLine(c.fd, "ERROR: Invalid QUEUE_CANCEL format")
		return
	}
	if !s.queue.Cancel(id) {
		writeLine(c.fd, "ERROR: Job not found")
		return
	}
	writeLine(c.fd, "OK")
}

// handleProbeRar roda o scan do extrator e devolve contagem, bytes e raiz comum.
func (s *Server) handleProbeRar(c *clientConn, args string) {
	path := firstField(args)
	if path == "" {
		writeLine(c.fd, "ERROR: Invalid PROBE_RAR format")
		return
	}
	if err := pathsafe.ValidateAbsPath(path, s.cfg.Storage.Whitelist); err != nil {
		writeLine(c.fd, "ERROR: Invalid path")
		return
	}

	info, err := extract.Scan(path)
	if err != nil {
		writeLine(c.fd, "ERROR: "+archiveErrorMessage(err))
		return
	}

	root := info.CommonRoot
	if root == "" {
		root = "-"
	}
	writeLine(c.fd, fmt.Sprintf("RAR_INFO %d %d %s", info.FileCount, info.TotalSize, root))
}

// uploadFinished fecha uma sessão completa: junta os writes em voo, reporta
// SUCCESS e registra o evento de conclusão.
func (s *Server) uploadFinished(c *clientConn) {
	sess := c.upload
	c.upload = nil
	s.activeUploads.Add(-1)

	sess.Destroy()
	files, bytesTotal := sess.Stats()

	writeLine(c.fd, fmt.Sprintf("SUCCESS %d %d", files, bytesTotal))

	s.logger.Info("upload complete", "remote", c.peer.String(), "dest", sess.DestRoot(), "files", files, "bytes", bytesTotal)
	s.events.PushEvent("info", "upload_done", c.peer.String(),
		fmt.Sprintf("transfer complete: %d files, %d bytes into %s", files, bytesTotal, sess.DestRoot()))
}

// uploadFailed encerra uma sessão poisoned por erro de protocolo ou fila.
func (s *Server) uploadFailed(c *clientConn, err error) {
	sess := c.upload
	c.upload = nil
	s.activeUploads.Add(-1)

	sess.Destroy()

	s.logger.Warn("upload failed", "remote", c.peer.String(), "dest", sess.DestRoot(), "error", err)
	s.events.PushEvent("error", "upload_failed", c.peer.String(),
		fmt.Sprintf("upload into %s failed: %v", sess.DestRoot(), err))
}

// uploadAborted trata a desconexão no meio do stream: os arquivos parciais
// ficam em disco e o cliente (já desconectado) recebe o erro em best-effort.
func (s *Server) uploadAborted(c *clientConn) {
	sess := c.upload
	c.upload = nil
	s.activeUploads.Add(-1)

	writeLine(c.fd, "ERROR: Upload failed")
	sess.Destroy()

	s.logger.Warn("upload aborted by peer", "remote", c.peer.String(), "dest", sess.DestRoot())
	s.events.PushEvent("error", "upload_failed", c.peer.String(),
		fmt.Sprintf("upload into %s aborted mid-stream", sess.DestRoot()))
}

// firstField extrai o primeiro campo de args (paths não carregam espaço no
// protocolo, como no comando original).
func firstField(args string) string {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// archiveErrorMessage mapeia os status do extrator para as mensagens de uma
// linha do protocolo.
func archiveErrorMessage(err error) string {
	switch {
	case err == nil:
		return "Success"
	case errors.Is(err, extract.ErrArchiveOpen):
		return "Cannot open archive"
	case errors.Is(err, extract.ErrArchiveRead):
		return "Error reading archive"
	case errors.Is(err, extract.ErrArchivePassword):
		return "Password required"
	case errors.Is(err, extract.ErrAborted):
		return "Extraction aborted"
	default:
		return "Extraction failed"
	}
}
