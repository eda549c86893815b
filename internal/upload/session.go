// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the FTX-Server License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package upload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/nishisan-dev/ftx-server/internal/pathsafe"
	"github.com/nishisan-dev/ftx-server/internal/protocol"
)

// Session liga o byte stream de um client a uma raiz de destino e ao pool
// de escrita. O parser de frames roda no thread que chama Feed; os packs
// completos são enfileirados e aplicados pelos workers em ordem de sequência.
//
// Invariantes: nextSeq <= enqueueSeq; pending == enqueueSeq - nextSeq; no
// máximo um arquivo aberto por vez, correspondendo a currentRel.
type Session struct {
	destRoot string
	pool     *Pool
	logger   *slog.Logger
	parser   *protocol.FrameParser

	mu   sync.Mutex
	cond *sync.Cond

	// Estado de escrita, tocado apenas pelo worker que detém a vez (seq).
	dirCache    string
	current     *os.File
	currentW    io.Writer
	currentRel  string
	currentFull string
	totalFiles  int
	totalBytes  int64

	nextSeq    uint64
	enqueueSeq uint64
	pending    uint64

	failed bool
}

// NewSession cria a sessão e o diretório de destino (recursivo, 0777).
// destRoot deve chegar aqui já validado contra o whitelist pelo dispatcher.
func (p *Pool) NewSession(destRoot string) (*Session, error) {
	s := &Session{
		destRoot: destRoot,
		pool:     p,
		logger:   p.logger.With("component", "upload", "dest", destRoot),
	}
	s.cond = sync.NewCond(&s.mu)
	s.parser = protocol.NewFrameParser(p.maxPackSize, s.enqueuePack)

	if err := mkdirChmod(destRoot); err != nil {
		return nil, fmt.Errorf("creating destination root: %w", err)
	}
	s.dirCache = destRoot
	return s, nil
}

// Feed avança o parser com bytes recebidos da rede. Pode bloquear quando a
// fila global de packs está cheia (backpressure). Retorna done == true após
// o FINISH; um erro poisona a sessão em definitivo.
func (s *Session) Feed(data []byte) (done bool, err error) {
	done, err = s.parser.Feed(data)
	if err != nil {
		s.mu.Lock()
		s.failed = true
		s.mu.Unlock()
	}
	return done, err
}

// Stats retorna os totais aplicados em disco até o momento.
// Após Destroy os valores são definitivos.
func (s *Session) Stats() (files int, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalFiles, s.totalBytes
}

// Destroy espera os packs em voo serem aplicados e fecha o arquivo corrente
// (com chmod 0777 no caminho final). Deve ser chamado exatamente uma vez,
// tanto no sucesso quanto no erro.
func (s *Session) Destroy() {
	s.mu.Lock()
	for s.pending > 0 {
		s.cond.Wait()
	}
	s.closeCurrentLocked()
	s.mu.Unlock()
}

// enqueuePack é o sink do parser: recebe a posse do corpo de um pack
// completo e o enfileira no pool com o próximo número de sequência.
func (s *Session) enqueuePack(body []byte) error {
	s.mu.Lock()
	seq := s.enqueueSeq
	s.enqueueSeq++
	s.pending++
	s.mu.Unlock()

	if err := s.pool.enqueue(&packJob{data: body, sess: s, seq: seq}); err != nil {
		s.mu.Lock()
		if s.pending > 0 {
			s.pending--
		}
		s.failed = true
		s.cond.Broadcast()
		s.mu.Unlock()
		return err
	}
	return nil
}

// applyOrdered é executado por um worker do pool: espera a vez do job na
// barreira de sequência da sessão, aplica o pack e libera os sucessores.
func (s *Session) applyOrdered(job *packJob) {
	s.mu.Lock()
	for job.seq != s.nextSeq {
		s.cond.Wait()
	}

	s.applyPackLocked(job.data)

	s.nextSeq++
	if s.pending > 0 {
		s.pending--
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

// applyPackLocked percorre os records do pack e os materializa em disco.
// Chamado com s.mu held pelo worker que detém a vez.
func (s *Session) applyPackLocked(body []byte) {
	_ = protocol.WalkPack(body, func(rec protocol.PackRecord) error {
		rel, ok := pathsafe.SanitizeRelPath(rec.Path)
		if !ok {
			s.logger.Warn("skipping record with unsafe path", "path", rec.Path)
			return nil
		}

		full := filepath.Join(s.destRoot, rel)

		if parent := filepath.Dir(full); parent != s.dirCache {
			if err := mkdirChmod(parent); err != nil {
				s.logger.Warn("creating record directory", "dir", parent, "error", err)
			} else {
				s.dirCache = parent
			}
		}

		if rel != s.currentRel {
			s.closeCurrentLocked()
			s.currentRel = rel
			s.currentFull = full

			f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0666)
			if err != nil {
				s.logger.Warn("opening record file", "path", full, "error", err)
			} else {
				s.current = f
				s.currentW = NewThrottledWriter(context.Background(), f, s.pool.limiter)
				s.totalFiles++
			}
		} else if s.current == nil {
			// Mesmo path do record anterior mas sem arquivo aberto (a abertura
			// anterior falhou): tenta reabrir para append.
			f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
			if err != nil {
				s.logger.Warn("reopening record file", "path", full, "error", err)
			} else {
				s.current = f
				s.currentW = NewThrottledWriter(context.Background(), f, s.pool.limiter)
			}
		}

		if s.current != nil {
			n, err := s.currentW.Write(rec.Data)
			s.totalBytes += int64(n)
			if err != nil {
				s.logger.Warn("writing record data", "path", s.currentFull, "error", err)
			}
		}
		return nil
	})
}

// closeCurrentLocked fecha o arquivo aberto (se houver) e aplica chmod 0777.
func (s *Session) closeCurrentLocked() {
	if s.current == nil {
		s.currentRel = ""
		s.currentFull = ""
		return
	}
	s.current.Close()
	os.Chmod(s.currentFull, 0777)
	s.current = nil
	s.currentW = nil
	s.currentRel = ""
	s.currentFull = ""
}

// mkdirChmod cria path recursivamente e força 0777 em cada componente criado.
// O umask do processo pode reduzir o modo passado ao mkdir; o chmod explícito
// garante que o conteúdo fica acessível para o sistema do console.
func mkdirChmod(path string) error {
	clean := filepath.Clean(path)
	if clean == "/" || clean == "." {
		return nil
	}

	// Sobe até achar o primeiro ancestral existente, depois cria descendo.
	var missing []string
	cur := clean
	for {
		if _, err := os.Stat(cur); err == nil {
			break
		}
		missing = append(missing, cur)
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		cur = parent
	}

	for i := len(missing) - 1; i >= 0; i-- {
		if err := os.Mkdir(missing[i], 0777); err != nil && !os.IsExist(err) {
			return err
		}
		os.Chmod(missing[i], 0777)
	}
	return nil
}

// DestRoot retorna a raiz de destino da sessão.
func (s *Session) DestRoot() string {
	return s.destRoot
}

// Failed informa se a sessão foi poisoned por um erro de parse ou fila.
func (s *Session) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}
