// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the FTX-Server License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package extract

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// openTarball abre o stream tar por trás da compressão do formato.
// Retorna o tar.Reader e um closer para a cadeia de decompressão.
func openTarball(path string, kind archiveFormat) (*tar.Reader, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrArchiveOpen, err)
	}

	switch kind {
	case kindTarGz:
		gz, err := pgzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("%w: %v", ErrArchiveOpen, err)
		}
		closer := func() {
			gz.Close()
			f.Close()
		}
		return tar.NewReader(gz), closer, nil

	case kindTarZst:
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("%w: %v", ErrArchiveOpen, err)
		}
		closer := func() {
			zr.Close()
			f.Close()
		}
		return tar.NewReader(zr), closer, nil

	default:
		f.Close()
		return nil, nil, fmt.Errorf("%w: not a tarball", ErrArchiveOpen)
	}
}

// scanTarball enumera um tar comprimido sem materializar nada.
func scanTarball(path string, kind archiveFormat) (*ArchiveInfo, error) {
	tr, closer, err := openTarball(path, kind)
	if err != nil {
		return nil, err
	}
	defer closer()

	info := &ArchiveInfo{}
	var roots commonRootTracker

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrArchiveRead, err)
		}
		if hdr.Typeflag == tar.TypeDir {
			continue
		}
		if hdr.Typeflag != tar.TypeReg {
			// Links e devices não são extraídos no console; ignora no scan.
			continue
		}
		info.FileCount++
		if hdr.Size > 0 {
			info.TotalSize += uint64(hdr.Size)
		}
		roots.observe(hdr.Name)
	}

	info.CommonRoot = roots.root()
	return info, nil
}

// extractTarball extrai um tar.gz/tar.zst para destDir.
func extractTarball(ctx context.Context, path, destDir string, opts Options, kind archiveFormat) (*Result, error) {
	tr, closer, err := openTarball(path, kind)
	if err != nil {
		return nil, err
	}
	defer closer()

	tc := newThrottledCopier(ctx, opts)
	result := &Result{}

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return result, fmt.Errorf("%w: %v", ErrArchiveRead, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if target, ok := entryTarget(destDir, hdr.Name, opts.StripRoot); ok {
				mkdirEntry(target)
			}
			continue
		case tar.TypeReg:
			// segue abaixo
		default:
			// Links simbólicos/hardlinks são descartados: um symlink plantado
			// num archive poderia redirecionar escritas futuras para fora do
			// destino.
			continue
		}

		var size uint64
		if hdr.Size > 0 {
			size = uint64(hdr.Size)
		}
		if err := tc.beginFile(hdr.Name, size); err != nil {
			return result, err
		}

		target, ok := entryTarget(destDir, hdr.Name, opts.StripRoot)
		if !ok {
			continue
		}

		f, err := writeEntryFile(target)
		if err != nil {
			return result, fmt.Errorf("%w: %v", ErrArchiveExtract, err)
		}

		n, err := tc.copy(f, tr)
		finishEntryFile(f, target)
		if err != nil {
			if errors.Is(err, ErrAborted) {
				return result, err
			}
			return result, fmt.Errorf("%w: %v", ErrArchiveExtract, err)
		}

		tc.endFile()
		result.FileCount++
		result.TotalBytes += uint64(n)
	}

	return result, nil
}

// mkdirEntry cria um diretório declarado pelo archive com o modo do contrato.
func mkdirEntry(target string) {
	if err := os.MkdirAll(target, 0777); err == nil {
		os.Chmod(target, 0777)
	}
}
