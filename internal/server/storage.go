// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the FTX-Server License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nishisan-dev/ftx-server/internal/monitor"
	"github.com/nishisan-dev/ftx-server/internal/pathsafe"
)

// validatePath aplica o whitelist de prefixos e responde o erro padrão.
// Retorna false quando a resposta já foi enviada.
func (s *Server) validatePath(c *clientConn, path string) bool {
	if path == "" {
		writeLine(c.fd, "ERROR: Missing path")
		return false
	}
	if err := pathsafe.ValidateAbsPath(path, s.cfg.Storage.Whitelist); err != nil {
		writeLine(c.fd, "ERROR: Invalid path")
		return false
	}
	return true
}

// handleListStorage reporta os pontos de armazenamento conhecidos e seu
// espaço livre. Formato: uma linha "STORAGE <path> <free> <total>" por ponto
// montado e disponível, terminada por "END".
func (s *Server) handleListStorage(c *clientConn) {
	var sb strings.Builder
	for _, base := range []string{s.cfg.Storage.GamesPath, s.cfg.Storage.FallbackPath} {
		if _, err := os.Stat(base); err != nil {
			continue
		}
		usage, err := monitor.DiskUsage(base)
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "STORAGE %s %d %d\n", base, usage.Free, usage.Total)
	}
	sb.WriteString("END\n")
	writeAll(c.fd, []byte(sb.String()))
}

// handleListDir lista um diretório: "DIR <name>" ou "FILE <name> <size>" por
// entrada, terminado por "END".
func (s *Server) handleListDir(c *clientConn, args string) {
	path := firstField(args)
	if !s.validatePath(c, path) {
		return
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		writeLine(c.fd, "ERROR: Cannot read directory")
		return
	}

	var sb strings.Builder
	for _, entry := range entries {
		if entry.IsDir() {
			fmt.Fprintf(&sb, "DIR %s\n", entry.Name())
			continue
		}
		var size int64
		if info, err := entry.Info(); err == nil {
			size = info.Size()
		}
		fmt.Fprintf(&sb, "FILE %s %d\n", entry.Name(), size)
	}
	sb.WriteString("END\n")
	writeAll(c.fd, []byte(sb.String()))
}

// handleTestWrite verifica que o caminho é gravável criando e removendo um
// arquivo de teste.
func (s *Server) handleTestWrite(c *clientConn, args string) {
	path := firstField(args)
	if !s.validatePath(c, path) {
		return
	}

	if err := os.MkdirAll(path, 0777); err != nil {
		writeLine(c.fd, "ERROR: Cannot create path")
		return
	}

	probe := filepath.Join(path, ".ftx_write_test")
	f, err := os.OpenFile(probe, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		writeLine(c.fd, "ERROR: Path not writable")
		return
	}
	f.Close()
	os.Remove(probe)

	writeLine(c.fd, "OK")
}

// handleCreatePath cria um diretório recursivamente (idempotente: repetir
// sobre um diretório existente continua OK).
func (s *Server) handleCreatePath(c *clientConn, args string) {
	path := firstField(args)
	if !s.validatePath(c, path) {
		return
	}

	if err := os.MkdirAll(path, 0777); err != nil {
		writeLine(c.fd, "ERROR: Cannot create path")
		return
	}
	os.Chmod(path, 0777)
	writeLine(c.fd, "OK")
}

// handleCheckDir responde se o caminho existe e é um diretório.
func (s *Server) handleCheckDir(c *clientConn, args string) {
	path := firstField(args)
	if !s.validatePath(c, path) {
		return
	}

	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		writeLine(c.fd, "NOT_FOUND")
		return
	}
	writeLine(c.fd, "EXISTS")
}

// handleDeletePath remove um arquivo ou árvore de diretórios.
func (s *Server) handleDeletePath(c *clientConn, args string) {
	path := firstField(args)
	if !s.validatePath(c, path) {
		return
	}

	if _, err := os.Stat(path); err != nil {
		writeLine(c.fd, "ERROR: Path not found")
		return
	}
	if err := os.RemoveAll(path); err != nil {
		writeLine(c.fd, "ERROR: Delete failed")
		return
	}
	writeLine(c.fd, "OK")
}

// handleMovePath move src para dst; cross-device cai no copy+delete.
func (s *Server) handleMovePath(c *clientConn, args string) {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		writeLine(c.fd, "ERROR: Invalid MOVE_PATH format")
		return
	}
	src, dst := fields[0], fields[1]
	if !s.validatePath(c, src) || !s.validatePath(c, dst) {
		return
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0777); err != nil {
		writeLine(c.fd, "ERROR: Cannot create destination")
		return
	}

	if err := os.Rename(src, dst); err != nil {
		// EXDEV ou equivalente: copia e remove a origem.
		if err := copyTree(src, dst); err != nil {
			writeLine(c.fd, "ERROR: Move failed")
			return
		}
		if err := os.RemoveAll(src); err != nil {
			writeLine(c.fd, "ERROR: Move failed")
			return
		}
	}
	writeLine(c.fd, "OK")
}

// handleCopyPath copia um arquivo ou árvore.
func (s *Server) handleCopyPath(c *clientConn, args string) {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		writeLine(c.fd, "ERROR: Invalid COPY_PATH format")
		return
	}
	src, dst := fields[0], fields[1]
	if !s.validatePath(c, src) || !s.validatePath(c, dst) {
		return
	}

	if err := copyTree(src, dst); err != nil {
		writeLine(c.fd, "ERROR: Copy failed")
		return
	}
	writeLine(c.fd, "OK")
}

// handleChmod777 aplica 0777 recursivamente.
func (s *Server) handleChmod777(c *clientConn, args string) {
	path := firstField(args)
	if !s.validatePath(c, path) {
		return
	}

	err := filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return os.Chmod(p, 0777)
	})
	if err != nil {
		writeLine(c.fd, "ERROR: Chmod failed")
		return
	}
	writeLine(c.fd, "OK")
}

// handleGetSpace responde "SPACE <free> <total>" para o mount do caminho.
func (s *Server) handleGetSpace(c *clientConn, args string) {
	path := firstField(args)
	if !s.validatePath(c, path) {
		return
	}

	usage, err := monitor.DiskUsage(path)
	if err != nil {
		writeLine(c.fd, "ERROR: Cannot stat filesystem")
		return
	}
	writeLine(c.fd, fmt.Sprintf("SPACE %d %d", usage.Free, usage.Total))
}

// handleHashFile responde "HASH <sha256-hex>" do arquivo.
func (s *Server) handleHashFile(c *clientConn, args string) {
	path := firstField(args)
	if !s.validatePath(c, path) {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		writeLine(c.fd, "ERROR: Cannot open file")
		return
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		writeLine(c.fd, "ERROR: Read failed")
		return
	}
	writeLine(c.fd, "HASH "+hex.EncodeToString(hasher.Sum(nil)))
}

// copyTree copia um arquivo ou diretório recursivamente, preservando a
// convenção de permissões do servidor (0777 após a escrita).
func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return copyFile(src, dst)
	}

	if err := os.MkdirAll(dst, 0777); err != nil {
		return err
	}
	os.Chmod(dst, 0777)

	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := copyTree(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if !entry.Type().IsRegular() {
			// Symlinks e especiais não são copiados.
			continue
		}
		if err := copyFile(srcPath, dstPath); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0777); err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, 0777)
}
