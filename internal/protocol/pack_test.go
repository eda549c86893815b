// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the FTX-Server License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestWalkPack_MultipleRecords(t *testing.T) {
	body := EncodePack([]PackRecord{
		{Path: "dir/a.bin", Data: []byte("AA")},
		{Path: "dir/a.bin", Data: []byte("BB")},
		{Path: "b.bin", Data: []byte("C")},
	})

	var recs []PackRecord
	err := WalkPack(body, func(rec PackRecord) error {
		recs = append(recs, PackRecord{Path: rec.Path, Data: append([]byte(nil), rec.Data...)})
		return nil
	})
	if err != nil {
		t.Fatalf("WalkPack: %v", err)
	}

	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if recs[0].Path != "dir/a.bin" || string(recs[0].Data) != "AA" {
		t.Errorf("record 0 mismatch: %+v", recs[0])
	}
	if recs[2].Path != "b.bin" || string(recs[2].Data) != "C" {
		t.Errorf("record 2 mismatch: %+v", recs[2])
	}
}

func TestWalkPack_TruncatedRecordStopsSilently(t *testing.T) {
	body := EncodePack([]PackRecord{
		{Path: "keep", Data: []byte("OK")},
		{Path: "cut", Data: []byte("LOST")},
	})

	// Trunca no meio do data do segundo record.
	truncated := body[:len(body)-2]

	var recs []string
	err := WalkPack(truncated, func(rec PackRecord) error {
		recs = append(recs, rec.Path)
		return nil
	})
	if err != nil {
		t.Fatalf("WalkPack: %v", err)
	}
	if len(recs) != 1 || recs[0] != "keep" {
		t.Errorf("expected only first record, got %v", recs)
	}
}

func TestWalkPack_DeclaredCountBeyondBody(t *testing.T) {
	// record_count mente (1000) mas só há um record completo.
	body := EncodePack([]PackRecord{{Path: "one", Data: []byte("X")}})
	binary.LittleEndian.PutUint32(body[0:4], 1000)

	var count int
	if err := WalkPack(body, func(rec PackRecord) error {
		count++
		return nil
	}); err != nil {
		t.Fatalf("WalkPack: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 record, got %d", count)
	}
}

func TestWalkPack_ShortBodyIsNoop(t *testing.T) {
	for _, body := range [][]byte{nil, {}, {0x01}, {0x01, 0x00, 0x00}} {
		if err := WalkPack(body, func(rec PackRecord) error {
			t.Errorf("unexpected record for body %v", body)
			return nil
		}); err != nil {
			t.Fatalf("WalkPack: %v", err)
		}
	}
}

func TestWalkPack_CallbackErrorPropagates(t *testing.T) {
	body := EncodePack([]PackRecord{
		{Path: "a", Data: []byte("1")},
		{Path: "b", Data: []byte("2")},
	})

	boom := errors.New("boom")
	var seen int
	err := WalkPack(body, func(rec PackRecord) error {
		seen++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if seen != 1 {
		t.Errorf("expected walk to stop after error, saw %d records", seen)
	}
}

func TestWriteFrameHeader_Layout(t *testing.T) {
	var buf [HeaderSize]byte
	w := &sliceWriter{buf: buf[:0]}
	if err := WriteFrameHeader(w, FramePack, 0x1122334455); err != nil {
		t.Fatalf("WriteFrameHeader: %v", err)
	}

	out := w.buf
	if len(out) != HeaderSize {
		t.Fatalf("expected %d bytes, got %d", HeaderSize, len(out))
	}
	if string(out[0:4]) != "FTX1" {
		t.Errorf("expected magic bytes FTX1 on wire, got %q", out[0:4])
	}
	if out[4] != FramePack {
		t.Errorf("expected type %d, got %d", FramePack, out[4])
	}
	if got := binary.LittleEndian.Uint64(out[8:16]); got != 0x1122334455 {
		t.Errorf("expected body len 0x1122334455, got 0x%x", got)
	}
}

type sliceWriter struct{ buf []byte }

func (w *sliceWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}
