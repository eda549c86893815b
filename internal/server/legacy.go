// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the FTX-Server License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/nishisan-dev/ftx-server/internal/extract"
	"github.com/nishisan-dev/ftx-server/internal/pathsafe"
	"github.com/nishisan-dev/ftx-server/internal/upload"
)

// legacyReadChunk é o tamanho de leitura do receive single-shot.
const legacyReadChunk = 1024 * 1024

// runLegacyUpload é o handler single-shot: UPLOAD <dest_path> <size>.
// Roda numa goroutine destacada que possui o socket com exclusividade; o fd
// volta ao modo bloqueante com o SO_RCVTIMEO configurado.
func (s *Server) runLegacyUpload(fd int, peer peerAddr, args string) {
	defer unix.Close(fd)
	defer s.activeConns.Add(-1)

	unix.SetNonblock(fd, false)
	setRecvTimeout(fd, s.cfg.Server.RecvTimeout)

	fields := strings.Fields(args)
	if len(fields) != 2 {
		writeLine(fd, "ERROR: Invalid UPLOAD format")
		return
	}
	dest := fields[0]
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || size < 0 {
		writeLine(fd, "ERROR: Invalid UPLOAD size")
		return
	}

	if err := pathsafe.ValidateAbsPath(dest, s.cfg.Storage.Whitelist); err != nil {
		writeLine(fd, "ERROR: Invalid destination path")
		return
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0777); err != nil {
		writeLine(fd, "ERROR: Cannot create destination")
		return
	}

	// Escreve num .part e renomeia no fim; um drop no meio deixa o .part
	// para o sweeper de manutenção recolher.
	partPath := dest + ".part"
	f, err := os.OpenFile(partPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		writeLine(fd, "ERROR: Cannot open destination")
		return
	}

	if err := writeLine(fd, "READY"); err != nil {
		f.Close()
		os.Remove(partPath)
		return
	}

	// O throttle compartilhado do pool também se aplica ao caminho legacy.
	w := upload.NewThrottledWriter(context.Background(), f, s.pool.Limiter())
	buf := make([]byte, legacyReadChunk)
	var received int64

	for received < size {
		want := size - received
		if want > int64(len(buf)) {
			want = int64(len(buf))
		}
		n, err := unix.Read(fd, buf[:want])
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				f.Close()
				os.Remove(partPath)
				writeLine(fd, "ERROR: Write failed")
				return
			}
			received += int64(n)
			continue
		}
		if err == unix.EINTR {
			continue
		}
		// Timeout, erro ou peer fechado antes de completar o tamanho.
		f.Close()
		os.Remove(partPath)
		s.logger.Warn("legacy upload aborted", "remote", peer.String(), "dest", dest, "received", received)
		writeLine(fd, "ERROR: Upload failed")
		return
	}

	if err := f.Close(); err != nil {
		os.Remove(partPath)
		writeLine(fd, "ERROR: Write failed")
		return
	}
	if err := os.Rename(partPath, dest); err != nil {
		os.Remove(partPath)
		writeLine(fd, "ERROR: Commit failed")
		return
	}
	os.Chmod(dest, 0777)

	writeLine(fd, fmt.Sprintf("SUCCESS 1 %d", received))
	s.logger.Info("legacy upload complete", "remote", peer.String(), "dest", dest, "bytes", received)
	s.events.PushEvent("info", "upload_done", peer.String(),
		fmt.Sprintf("legacy transfer complete: %d bytes into %s", received, dest))
}

// runSyncExtraction executa EXTRACT_ARCHIVE <src> <dst> [preset] com o
// socket sob posse exclusiva do worker. O progresso é serializado no próprio
// worker, então as linhas PROGRESS nunca disputam o socket com o reactor.
func (s *Server) runSyncExtraction(fd int, peer peerAddr, args string) {
	defer unix.Close(fd)
	defer s.activeConns.Add(-1)

	unix.SetNonblock(fd, false)
	setRecvTimeout(fd, s.cfg.Server.RecvTimeout)

	fields := strings.Fields(args)
	if len(fields) < 2 {
		writeLine(fd, "ERROR: Invalid EXTRACT_ARCHIVE format")
		return
	}
	src, dest := fields[0], fields[1]
	preset := s.cfg.Extract.Preset
	if len(fields) >= 3 {
		preset = fields[2]
	}

	if err := pathsafe.ValidateAbsPath(src, s.cfg.Storage.Whitelist); err != nil {
		writeLine(fd, "ERROR: Invalid source path")
		return
	}
	if err := pathsafe.ValidateAbsPath(dest, s.cfg.Storage.Whitelist); err != nil {
		writeLine(fd, "ERROR: Invalid destination path")
		return
	}

	// Pré-scan para strip de raiz comum e total de progresso.
	info, err := extract.Scan(src)
	if err != nil {
		writeLine(fd, "ERROR: "+archiveErrorMessage(err))
		return
	}

	opts := extract.Options{
		StripRoot:     info.CommonRoot != "",
		TotalSizeHint: info.TotalSize,
		Tuning:        extract.TuningForPreset(preset),
		Progress: func(p extract.ProgressInfo) error {
			// Um write falho indica client desconectado: aborta a extração.
			return writeLine(fd, fmt.Sprintf("PROGRESS %s %d %d %d %d",
				p.Filename, p.FileSize, p.FilesDone, p.TotalProcessed, p.TotalSize))
		},
	}

	result, err := extract.Extract(context.Background(), src, dest, opts)
	if err != nil {
		s.logger.Warn("synchronous extraction failed", "remote", peer.String(), "src", src, "error", err)
		s.events.PushEvent("error", "extract_failed", peer.String(),
			fmt.Sprintf("extraction of %s failed: %v", src, err))
		writeLine(fd, "ERROR: "+archiveErrorMessage(err))
		return
	}

	writeLine(fd, fmt.Sprintf("SUCCESS %d %d", result.FileCount, result.TotalBytes))
	s.logger.Info("synchronous extraction complete", "remote", peer.String(), "src", src,
		"files", result.FileCount, "bytes", result.TotalBytes)
	s.events.PushEvent("info", "extract_done", peer.String(),
		fmt.Sprintf("extracted %s: %d files, %d bytes", src, result.FileCount, result.TotalBytes))
}
