// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the FTX-Server License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package protocol implementa o protocolo binário FTX V2 usado pelo stream
// de upload: frames com header fixo e corpo "pack" com records de arquivo.
package protocol

import "errors"

// MagicFTX1 identifica um frame V2. No wire aparece como os bytes "FTX1"
// (o header é little-endian).
const MagicFTX1 uint32 = 0x31585446

// Tipos de frame.
const (
	FramePack   byte = 1 // corpo carrega um pack de records
	FrameFinish byte = 2 // encerra o stream; body_len == 0
)

// HeaderSize é o tamanho em bytes do FrameHeader no wire:
// Magic(4B) + Type(1B) + Reserved(3B) + BodyLen(8B).
const HeaderSize = 16

// DefaultMaxBodyLen é o limite default do corpo de um pack (128MB).
// Protege contra headers malformados que poderiam causar OOM.
const DefaultMaxBodyLen = 128 * 1024 * 1024

// FrameHeader é o header fixo que precede cada frame do stream V2.
type FrameHeader struct {
	Magic   uint32
	Type    byte
	BodyLen uint64
}

// Erros do protocolo.
var (
	ErrMalformedFrame = errors.New("protocol: malformed frame header")
	ErrOversizedBody  = errors.New("protocol: pack body exceeds size limit")
	ErrParserDone     = errors.New("protocol: stream already finished")
	ErrParserFailed   = errors.New("protocol: stream in failed state")
)
