// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the FTX-Server License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// feedAll alimenta o parser com o stream em pedaços de chunkSize bytes.
func feedAll(t *testing.T, p *FrameParser, stream []byte, chunkSize int) (bool, error) {
	t.Helper()
	done := false
	for offset := 0; offset < len(stream); offset += chunkSize {
		end := offset + chunkSize
		if end > len(stream) {
			end = len(stream)
		}
		var err error
		done, err = p.Feed(stream[offset:end])
		if err != nil {
			return done, err
		}
		if done {
			return true, nil
		}
	}
	return done, nil
}

func buildStream(t *testing.T, packs [][]PackRecord, finish bool) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, records := range packs {
		if err := WritePack(&buf, records); err != nil {
			t.Fatalf("WritePack: %v", err)
		}
	}
	if finish {
		if err := WriteFinish(&buf); err != nil {
			t.Fatalf("WriteFinish: %v", err)
		}
	}
	return buf.Bytes()
}

func TestFrameParser_SinglePackThenFinish(t *testing.T) {
	var got [][]byte
	p := NewFrameParser(0, func(body []byte) error {
		got = append(got, body)
		return nil
	})

	stream := buildStream(t, [][]PackRecord{
		{{Path: "a.bin", Data: []byte("HELLO")}},
	}, true)

	done, err := p.Feed(stream)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if !done {
		t.Fatal("expected done after FINISH")
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 pack, got %d", len(got))
	}

	var paths []string
	var data []byte
	err = WalkPack(got[0], func(rec PackRecord) error {
		paths = append(paths, rec.Path)
		data = append(data, rec.Data...)
		return nil
	})
	if err != nil {
		t.Fatalf("WalkPack: %v", err)
	}
	if len(paths) != 1 || paths[0] != "a.bin" || string(data) != "HELLO" {
		t.Errorf("unexpected decode: paths=%v data=%q", paths, data)
	}
}

func TestFrameParser_ByteAtATime(t *testing.T) {
	// Qualquer fragmentação do stream deve produzir o mesmo resultado.
	for _, chunk := range []int{1, 2, 3, 7, 16, 64} {
		var packs int
		p := NewFrameParser(0, func(body []byte) error {
			packs++
			return nil
		})

		stream := buildStream(t, [][]PackRecord{
			{{Path: "x", Data: bytes.Repeat([]byte{0xAB}, 100)}},
			{{Path: "y", Data: []byte("12345")}},
		}, true)

		done, err := feedAll(t, p, stream, chunk)
		if err != nil {
			t.Fatalf("chunk=%d: Feed: %v", chunk, err)
		}
		if !done {
			t.Fatalf("chunk=%d: expected done", chunk)
		}
		if packs != 2 {
			t.Errorf("chunk=%d: expected 2 packs, got %d", chunk, packs)
		}
	}
}

func TestFrameParser_BadMagicFails(t *testing.T) {
	p := NewFrameParser(0, nil)

	stream := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(stream[0:4], 0xDEADBEEF)
	stream[4] = FramePack

	_, err := p.Feed(stream)
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
	if p.State() != StateFailed {
		t.Errorf("expected StateFailed, got %v", p.State())
	}

	// Estado terminal: feeds subsequentes devolvem o mesmo erro.
	if _, err := p.Feed([]byte{0x00}); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("expected sticky error, got %v", err)
	}
}

func TestFrameParser_UnknownTypeFails(t *testing.T) {
	p := NewFrameParser(0, nil)

	stream := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(stream[0:4], MagicFTX1)
	stream[4] = 99

	if _, err := p.Feed(stream); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestFrameParser_OversizedBodyFails(t *testing.T) {
	p := NewFrameParser(1024, nil)

	stream := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(stream[0:4], MagicFTX1)
	stream[4] = FramePack
	binary.LittleEndian.PutUint64(stream[8:16], 2048)

	if _, err := p.Feed(stream); !errors.Is(err, ErrOversizedBody) {
		t.Fatalf("expected ErrOversizedBody, got %v", err)
	}
}

func TestFrameParser_SinkErrorIsTerminal(t *testing.T) {
	sinkErr := errors.New("queue closed")
	p := NewFrameParser(0, func(body []byte) error {
		return sinkErr
	})

	stream := buildStream(t, [][]PackRecord{
		{{Path: "f", Data: []byte("data")}},
	}, false)

	if _, err := p.Feed(stream); !errors.Is(err, sinkErr) {
		t.Fatalf("expected sink error, got %v", err)
	}
	if p.State() != StateFailed {
		t.Errorf("expected StateFailed, got %v", p.State())
	}
}

func TestFrameParser_EmptyPackCompletesImmediately(t *testing.T) {
	var packs int
	p := NewFrameParser(0, func(body []byte) error {
		packs++
		if len(body) != 0 {
			t.Errorf("expected empty body, got %d bytes", len(body))
		}
		return nil
	})

	var buf bytes.Buffer
	if err := WriteFrameHeader(&buf, FramePack, 0); err != nil {
		t.Fatalf("WriteFrameHeader: %v", err)
	}
	if err := WriteFinish(&buf); err != nil {
		t.Fatalf("WriteFinish: %v", err)
	}

	done, err := p.Feed(buf.Bytes())
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if !done {
		t.Fatal("expected done")
	}
	if packs != 1 {
		t.Errorf("expected 1 empty pack, got %d", packs)
	}
}

func TestFrameParser_BytesAfterFinishIgnored(t *testing.T) {
	p := NewFrameParser(0, nil)

	stream := buildStream(t, nil, true)
	stream = append(stream, []byte("trailing garbage")...)

	done, err := p.Feed(stream)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if !done {
		t.Fatal("expected done")
	}
	if p.State() != StateDone {
		t.Errorf("expected StateDone, got %v", p.State())
	}
}
