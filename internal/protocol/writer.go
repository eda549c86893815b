// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the FTX-Server License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteFrameHeader escreve um header de frame V2 (Client → Server).
// Formato: [Magic u32 LE] [Type 1B] [Reserved 3B] [BodyLen u64 LE]
func WriteFrameHeader(w io.Writer, frameType byte, bodyLen uint64) error {
	var buf [HeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], MagicFTX1)
	buf[4] = frameType
	binary.LittleEndian.PutUint64(buf[8:16], bodyLen)
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	return nil
}

// EncodePack serializa records no layout de corpo de pack.
func EncodePack(records []PackRecord) []byte {
	size := 4
	for _, rec := range records {
		size += 2 + len(rec.Path) + 8 + len(rec.Data)
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(records)))
	offset := 4
	for _, rec := range records {
		binary.LittleEndian.PutUint16(buf[offset:offset+2], uint16(len(rec.Path)))
		offset += 2
		copy(buf[offset:], rec.Path)
		offset += len(rec.Path)
		binary.LittleEndian.PutUint64(buf[offset:offset+8], uint64(len(rec.Data)))
		offset += 8
		copy(buf[offset:], rec.Data)
		offset += len(rec.Data)
	}
	return buf
}

// WritePack escreve um frame PACK completo (header + corpo) com os records.
func WritePack(w io.Writer, records []PackRecord) error {
	body := EncodePack(records)
	if err := WriteFrameHeader(w, FramePack, uint64(len(body))); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("writing pack body: %w", err)
	}
	return nil
}

// WriteFinish escreve o frame FINISH que encerra o stream de upload.
func WriteFinish(w io.Writer) error {
	return WriteFrameHeader(w, FrameFinish, 0)
}
