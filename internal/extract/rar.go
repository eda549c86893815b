// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the FTX-Server License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nwaples/rardecode"
)

// scanRar enumera um archive RAR sem extrair. Volumes múltiplos são seguidos
// automaticamente pelo decoder.
func scanRar(path string) (*ArchiveInfo, error) {
	rc, err := rardecode.OpenReader(path, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveOpen, err)
	}
	defer rc.Close()

	info := &ArchiveInfo{}
	var roots commonRootTracker

	for {
		hdr, err := rc.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if isPasswordErr(err) {
				return nil, fmt.Errorf("%w: %v", ErrArchivePassword, err)
			}
			return nil, fmt.Errorf("%w: %v", ErrArchiveRead, err)
		}
		if hdr.IsDir {
			continue
		}
		info.FileCount++
		if hdr.UnPackedSize > 0 {
			info.TotalSize += uint64(hdr.UnPackedSize)
		}
		roots.observe(hdr.Name)
	}

	info.CommonRoot = roots.root()
	return info, nil
}

// extractRar extrai todas as entradas de um RAR para destDir.
func extractRar(ctx context.Context, path, destDir string, opts Options) (*Result, error) {
	rc, err := rardecode.OpenReader(path, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveOpen, err)
	}
	defer rc.Close()

	tc := newThrottledCopier(ctx, opts)
	result := &Result{}

	for {
		hdr, err := rc.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if isPasswordErr(err) {
				return result, fmt.Errorf("%w: %v", ErrArchivePassword, err)
			}
			return result, fmt.Errorf("%w: %v", ErrArchiveRead, err)
		}

		if hdr.IsDir {
			if target, ok := entryTarget(destDir, hdr.Name, opts.StripRoot); ok {
				mkdirEntry(target)
			}
			continue
		}

		var size uint64
		if hdr.UnPackedSize > 0 {
			size = uint64(hdr.UnPackedSize)
		}
		if err := tc.beginFile(hdr.Name, size); err != nil {
			return result, err
		}

		target, ok := entryTarget(destDir, hdr.Name, opts.StripRoot)
		if !ok {
			// Entrada com caminho inseguro: pulada. O decoder avança no
			// próximo Next sem precisar drenar o conteúdo.
			continue
		}

		f, err := writeEntryFile(target)
		if err != nil {
			return result, fmt.Errorf("%w: %v", ErrArchiveExtract, err)
		}

		n, err := tc.copy(f, rc)
		finishEntryFile(f, target)
		if err != nil {
			if errors.Is(err, ErrAborted) {
				return result, err
			}
			if isPasswordErr(err) {
				return result, fmt.Errorf("%w: %v", ErrArchivePassword, err)
			}
			return result, fmt.Errorf("%w: %v", ErrArchiveExtract, err)
		}

		tc.endFile()
		result.FileCount++
		result.TotalBytes += uint64(n)
	}

	return result, nil
}

// isPasswordErr detecta archives protegidos por senha. O decoder não expõe um
// sentinel estável para todos os casos (header cifrado vs. arquivo cifrado),
// então o match é pela mensagem.
func isPasswordErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "password") || strings.Contains(msg, "encrypt")
}
