// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the FTX-Server License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package extract embrulha os decoders de archive em um contrato único de
// scan/extração com progresso, keep-alive e throttling de CPU.
package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nishisan-dev/ftx-server/internal/pathsafe"
)

// Status da extração, distinguíveis via errors.Is.
var (
	ErrArchiveOpen     = errors.New("extract: cannot open archive")
	ErrArchiveRead     = errors.New("extract: error reading archive")
	ErrArchivePassword = errors.New("extract: password required")
	ErrArchiveExtract  = errors.New("extract: extraction failed")
	ErrAborted         = errors.New("extract: aborted by caller")
)

// Tuning controla o throttling de CPU do decoder. Depois de processar
// SleepEveryBytes bytes o worker dorme SleepUS microssegundos, devolvendo o
// scheduler com frequência suficiente para o watchdog do console não matar o
// processo em extrações longas.
type Tuning struct {
	SleepEveryBytes   int64
	SleepUS           int
	KeepaliveInterval time.Duration
}

// Presets de throttling, do mais conservador ao mais agressivo.
var (
	TuningSafe  = Tuning{SleepEveryBytes: 1 * 1024 * 1024, SleepUS: 1000, KeepaliveInterval: 5 * time.Second}
	TuningFast  = Tuning{SleepEveryBytes: 8 * 1024 * 1024, SleepUS: 1000, KeepaliveInterval: 10 * time.Second}
	TuningTurbo = Tuning{SleepEveryBytes: 32 * 1024 * 1024, SleepUS: 0, KeepaliveInterval: 10 * time.Second}
)

// TuningForPreset resolve um nome de preset ("safe", "fast", "turbo").
// Nomes desconhecidos caem no FAST.
func TuningForPreset(name string) Tuning {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "safe":
		return TuningSafe
	case "turbo":
		return TuningTurbo
	default:
		return TuningFast
	}
}

// ProgressInfo é o snapshot entregue ao callback de progresso.
// Keepalive == true marca os callbacks periódicos emitidos no meio de um
// arquivo grande (sem novo arquivo iniciado).
type ProgressInfo struct {
	Filename       string
	FileSize       uint64
	FilesDone      int
	TotalProcessed uint64
	TotalSize      uint64
	Keepalive      bool
}

// ProgressFunc é invocado antes de cada arquivo e como keep-alive.
// Um retorno não-nil aborta a extração no próximo yield point.
type ProgressFunc func(info ProgressInfo) error

// Options configura uma extração.
type Options struct {
	// StripRoot remove o primeiro segmento de cada entrada.
	StripRoot bool
	// TotalSizeHint alimenta o campo TotalSize do progresso; 0 acumula
	// dinamicamente dos headers e reporta monotonicamente.
	TotalSizeHint uint64
	Tuning        Tuning
	Progress      ProgressFunc
}

// ArchiveInfo é o resultado de um Scan.
type ArchiveInfo struct {
	FileCount int
	TotalSize uint64
	// CommonRoot é preenchido apenas quando todas as entradas compartilham o
	// mesmo primeiro segmento de diretório.
	CommonRoot string
}

// Result resume uma extração completa.
type Result struct {
	FileCount  int
	TotalBytes uint64
}

// Scan enumera um archive sem extrair.
func Scan(path string) (*ArchiveInfo, error) {
	switch kind := archiveKind(path); kind {
	case kindRar:
		return scanRar(path)
	case kindTarGz, kindTarZst:
		return scanTarball(path, kind)
	default:
		return nil, fmt.Errorf("%w: unsupported archive %q", ErrArchiveOpen, filepath.Base(path))
	}
}

// Extract extrai todas as entradas de um archive para destDir.
// Cada caminho de saída passa pelo sanitizer antes de ser concatenado ao
// destino; entradas rejeitadas são puladas. Todos os erros são fatais para a
// extração corrente; não há retry.
func Extract(ctx context.Context, path, destDir string, opts Options) (*Result, error) {
	if opts.Tuning == (Tuning{}) {
		opts.Tuning = TuningFast
	}

	switch kind := archiveKind(path); kind {
	case kindRar:
		return extractRar(ctx, path, destDir, opts)
	case kindTarGz, kindTarZst:
		return extractTarball(ctx, path, destDir, opts, kind)
	default:
		return nil, fmt.Errorf("%w: unsupported archive %q", ErrArchiveOpen, filepath.Base(path))
	}
}

type archiveFormat int

const (
	kindUnknown archiveFormat = iota
	kindRar
	kindTarGz
	kindTarZst
)

func archiveKind(path string) archiveFormat {
	name := strings.ToLower(path)
	switch {
	case strings.HasSuffix(name, ".rar"):
		return kindRar
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return kindTarGz
	case strings.HasSuffix(name, ".tar.zst"):
		return kindTarZst
	default:
		return kindUnknown
	}
}

// entryTarget resolve o caminho de saída de uma entrada: aplica o strip do
// primeiro segmento (opcional) e o sanitizer. ok == false pula a entrada.
func entryTarget(destDir, entryName string, stripRoot bool) (string, bool) {
	name := entryName
	if stripRoot {
		name = stripFirstSegment(name)
	}
	rel, ok := pathsafe.SanitizeRelPath(name)
	if !ok {
		return "", false
	}
	return filepath.Join(destDir, rel), true
}

// stripFirstSegment remove o primeiro segmento do caminho, considerando os
// dois separadores que archives costumam carregar.
func stripFirstSegment(name string) string {
	slash := strings.IndexAny(name, "/\\")
	if slash < 0 {
		return name
	}
	return name[slash+1:]
}

// firstSegment retorna o primeiro segmento do caminho, ou "" se a entrada
// está na raiz do archive.
func firstSegment(name string) string {
	slash := strings.IndexAny(name, "/\\")
	if slash < 0 {
		return ""
	}
	return name[:slash]
}

// commonRootTracker acumula a detecção de raiz comum durante um scan.
type commonRootTracker struct {
	first    string
	multiple bool
	seen     bool
}

func (c *commonRootTracker) observe(entryName string) {
	root := firstSegment(entryName)
	if root == "" {
		// Arquivo na raiz do archive: não há pasta comum.
		c.multiple = true
		return
	}
	if !c.seen {
		c.first = root
		c.seen = true
		return
	}
	if c.first != root {
		c.multiple = true
	}
}

func (c *commonRootTracker) root() string {
	if c.multiple || !c.seen {
		return ""
	}
	return c.first
}

// writeEntryFile cria o arquivo de destino (diretórios pais inclusos) e
// retorna o handle pronto para escrita. Permissões seguem o contrato do
// servidor: diretórios e arquivos terminam 0777.
func writeEntryFile(target string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0777); err != nil {
		return nil, err
	}
	os.Chmod(filepath.Dir(target), 0777)
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// finishEntryFile fecha o arquivo e aplica o chmod final.
func finishEntryFile(f *os.File, target string) {
	f.Close()
	os.Chmod(target, 0777)
}
