// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the FTX-Server License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import "encoding/binary"

// PackRecord é um registro individual dentro do corpo de um pack:
// um caminho relativo (UTF-8, separado por "/") e seu range de bytes.
// Records consecutivos com o mesmo Path fazem append ao mesmo arquivo.
type PackRecord struct {
	Path string
	Data []byte
}

// WalkPack percorre o corpo de um pack invocando fn para cada record.
//
// Layout (little-endian): record_count u32, depois record_count vezes
// {path_len u16, path bytes, data_len u64, data bytes}.
//
// Um record que estouraria o corpo declarado encerra o walk silenciosamente —
// o restante do pack é descartado. Data aponta para dentro de body; o
// consumidor copia se precisar reter.
func WalkPack(body []byte, fn func(rec PackRecord) error) error {
	if len(body) < 4 {
		return nil
	}
	recordCount := binary.LittleEndian.Uint32(body[0:4])
	offset := 4

	for i := uint32(0); i < recordCount; i++ {
		if offset+2 > len(body) {
			break
		}
		pathLen := int(binary.LittleEndian.Uint16(body[offset : offset+2]))
		offset += 2

		if offset+pathLen+8 > len(body) {
			break
		}
		path := string(body[offset : offset+pathLen])
		offset += pathLen

		dataLen := binary.LittleEndian.Uint64(body[offset : offset+8])
		offset += 8

		if uint64(offset)+dataLen > uint64(len(body)) {
			break
		}
		data := body[offset : offset+int(dataLen)]
		offset += int(dataLen)

		if err := fn(PackRecord{Path: path, Data: data}); err != nil {
			return err
		}
	}

	return nil
}
