// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the FTX-Server License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package extract

import (
	"context"
	"errors"
	"io"
	"time"
)

// copyBufferSize é o tamanho do buffer de cópia do pipeline de extração.
const copyBufferSize = 128 * 1024

// throttledCopier copia o conteúdo de cada entrada aplicando o Tuning:
// sleeps periódicos para devolver CPU e keep-alives para o callback de
// progresso em arquivos grandes. Um copier atende uma extração inteira; o
// estado por arquivo é rearmado em beginFile.
type throttledCopier struct {
	ctx      context.Context
	tuning   Tuning
	progress ProgressFunc

	filename  string
	fileSize  uint64
	filesDone int

	totalProcessed  uint64
	totalSize       uint64
	dynamicTotal    bool
	bytesSinceSleep int64
	lastKeepalive   time.Time

	buf []byte
}

func newThrottledCopier(ctx context.Context, opts Options) *throttledCopier {
	return &throttledCopier{
		ctx:           ctx,
		tuning:        opts.Tuning,
		progress:      opts.Progress,
		totalSize:     opts.TotalSizeHint,
		dynamicTotal:  opts.TotalSizeHint == 0,
		lastKeepalive: time.Now(),
		buf:           make([]byte, copyBufferSize),
	}
}

// beginFile registra a entrada corrente, acumula o total dinâmico e emite o
// callback pré-arquivo. Retorna ErrAborted se o callback pedir abort.
func (tc *throttledCopier) beginFile(filename string, fileSize uint64) error {
	tc.filename = filename
	tc.fileSize = fileSize
	if tc.dynamicTotal {
		tc.totalSize += fileSize
	}
	tc.lastKeepalive = time.Now()

	if tc.progress != nil {
		if err := tc.progress(ProgressInfo{
			Filename:       filename,
			FileSize:       fileSize,
			FilesDone:      tc.filesDone,
			TotalProcessed: tc.totalProcessed,
			TotalSize:      tc.totalSize,
		}); err != nil {
			return ErrAborted
		}
	}
	return nil
}

// endFile contabiliza um arquivo concluído.
func (tc *throttledCopier) endFile() {
	tc.filesDone++
}

// copy transfere src → dst com os yield points do Tuning.
// Cancelamento de contexto e abort do callback retornam ErrAborted.
func (tc *throttledCopier) copy(dst io.Writer, src io.Reader) (int64, error) {
	var written int64
	for {
		if err := tc.ctx.Err(); err != nil {
			return written, ErrAborted
		}

		n, readErr := src.Read(tc.buf)
		if n > 0 {
			wn, writeErr := dst.Write(tc.buf[:n])
			written += int64(wn)
			tc.totalProcessed += uint64(wn)
			tc.bytesSinceSleep += int64(wn)
			if writeErr != nil {
				return written, writeErr
			}

			if err := tc.maybeKeepalive(); err != nil {
				return written, err
			}
			tc.maybeSleep()
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return written, nil
			}
			return written, readErr
		}
	}
}

// maybeKeepalive emite o callback de keep-alive quando o intervalo expirou
// dentro de um mesmo arquivo.
func (tc *throttledCopier) maybeKeepalive() error {
	if tc.progress == nil || tc.tuning.KeepaliveInterval <= 0 {
		return nil
	}
	now := time.Now()
	if now.Sub(tc.lastKeepalive) < tc.tuning.KeepaliveInterval {
		return nil
	}
	tc.lastKeepalive = now

	if err := tc.progress(ProgressInfo{
		Filename:       tc.filename,
		FileSize:       tc.fileSize,
		FilesDone:      tc.filesDone,
		TotalProcessed: tc.totalProcessed,
		TotalSize:      tc.totalSize,
		Keepalive:      true,
	}); err != nil {
		return ErrAborted
	}
	return nil
}

// maybeSleep devolve o scheduler após SleepEveryBytes processados.
func (tc *throttledCopier) maybeSleep() {
	if tc.tuning.SleepEveryBytes <= 0 || tc.tuning.SleepUS <= 0 {
		return
	}
	if tc.bytesSinceSleep > tc.tuning.SleepEveryBytes {
		time.Sleep(time.Duration(tc.tuning.SleepUS) * time.Microsecond)
		tc.bytesSinceSleep = 0
	}
}
