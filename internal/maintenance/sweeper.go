// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the FTX-Server License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package maintenance roda a limpeza periódica do servidor: arquivos .part
// órfãos de uploads legacy interrompidos e contenção do journal de eventos.
package maintenance

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Trimmer é o pedaço do journal de eventos que o sweeper aciona.
type Trimmer interface {
	Trim()
}

// Sweeper agenda a varredura via cron e a executa sob demanda.
type Sweeper struct {
	roots         []string
	partialMaxAge time.Duration
	trimmer       Trimmer
	logger        *slog.Logger
	cron          *cron.Cron
}

// NewSweeper cria o sweeper para as raízes de armazenamento informadas.
func NewSweeper(roots []string, partialMaxAge time.Duration, trimmer Trimmer, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		roots:         roots,
		partialMaxAge: partialMaxAge,
		trimmer:       trimmer,
		logger:        logger.With("component", "maintenance"),
	}
}

// Start registra o job no schedule cron e inicia o scheduler.
func (s *Sweeper) Start(schedule string) error {
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug))))

	if _, err := c.AddFunc(schedule, func() {
		removed := s.SweepPartials()
		if s.trimmer != nil {
			s.trimmer.Trim()
		}
		s.logger.Info("maintenance sweep finished", "stale_partials_removed", removed)
	}); err != nil {
		return fmt.Errorf("registering maintenance schedule %q: %w", schedule, err)
	}

	c.Start()
	s.cron = c
	s.logger.Info("maintenance scheduled", "schedule", schedule, "partial_max_age", s.partialMaxAge)
	return nil
}

// Stop encerra o scheduler e espera o job corrente terminar.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// SweepPartials remove arquivos "*.part" mais antigos que partialMaxAge nas
// raízes de armazenamento. Só o padrão do receive legacy é varrido: arquivos
// parciais de sessões V2 interrompidas são mantidos (o client pode reenviar
// por cima). Retorna quantos arquivos foram removidos.
func (s *Sweeper) SweepPartials() int {
	cutoff := time.Now().Add(-s.partialMaxAge)
	removed := 0

	for _, root := range s.roots {
		if _, err := os.Stat(root); err != nil {
			continue
		}

		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				// Subárvore ilegível não interrompe a varredura das demais.
				return fs.SkipDir
			}
			if d.IsDir() || !strings.HasSuffix(d.Name(), ".part") {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if info.ModTime().After(cutoff) {
				return nil
			}
			if err := os.Remove(path); err != nil {
				s.logger.Warn("removing stale partial", "path", path, "error", err)
				return nil
			}
			s.logger.Info("removed stale partial", "path", path, "age", time.Since(info.ModTime()).Truncate(time.Second))
			removed++
			return nil
		})
		if err != nil {
			s.logger.Warn("sweeping storage root", "root", root, "error", err)
		}
	}

	return removed
}
