// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the FTX-Server License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package upload

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestNewThrottledWriter_BypassWithoutLimiter(t *testing.T) {
	var buf bytes.Buffer
	w := NewThrottledWriter(context.Background(), &buf, nil)
	if w != &buf {
		t.Error("expected bypass when limiter is nil")
	}
}

func TestNewRateLimiter_DisabledForZero(t *testing.T) {
	if NewRateLimiter(0) != nil {
		t.Error("expected nil limiter for 0")
	}
	if NewRateLimiter(-1) != nil {
		t.Error("expected nil limiter for negative")
	}
	if NewRateLimiter(1024) == nil {
		t.Error("expected limiter for positive rate")
	}
}

func TestThrottledWriter_WritesAllBytes(t *testing.T) {
	var buf bytes.Buffer
	limiter := NewRateLimiter(1 << 30) // alto o bastante para não atrasar o teste
	w := NewThrottledWriter(context.Background(), &buf, limiter)

	payload := bytes.Repeat([]byte("x"), 1<<20)
	n, err := w.Write(payload)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(payload) {
		t.Errorf("expected %d bytes written, got %d", len(payload), n)
	}
	if buf.Len() != len(payload) {
		t.Errorf("expected %d bytes in sink, got %d", len(payload), buf.Len())
	}
}

func TestThrottledWriter_RespectsRate(t *testing.T) {
	var buf bytes.Buffer
	// 64KB/s com burst de 64KB: escrever 128KB exige ~1s de espera.
	limiter := NewRateLimiter(64 * 1024)
	w := NewThrottledWriter(context.Background(), &buf, limiter)

	start := time.Now()
	if _, err := w.Write(bytes.Repeat([]byte("y"), 128*1024)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	elapsed := time.Since(start)

	if elapsed < 500*time.Millisecond {
		t.Errorf("expected throttled write to take >= 500ms, took %v", elapsed)
	}
}

func TestThrottledWriter_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	limiter := NewRateLimiter(1024) // lento: força espera no WaitN
	w := NewThrottledWriter(ctx, &buf, limiter)

	if _, err := w.Write(bytes.Repeat([]byte("z"), 64*1024)); err == nil {
		t.Error("expected error from cancelled context")
	}
}
