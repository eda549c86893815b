// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the FTX-Server License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package upload

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/nishisan-dev/ftx-server/internal/protocol"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	p := NewPool(PoolOptions{Workers: 4, QueueDepth: 4}, logger)
	t.Cleanup(p.Close)
	return p
}

func buildUploadStream(t *testing.T, packs [][]protocol.PackRecord, finish bool) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, records := range packs {
		if err := protocol.WritePack(&buf, records); err != nil {
			t.Fatalf("WritePack: %v", err)
		}
	}
	if finish {
		if err := protocol.WriteFinish(&buf); err != nil {
			t.Fatalf("WriteFinish: %v", err)
		}
	}
	return buf.Bytes()
}

func TestSession_SingleFileUpload(t *testing.T) {
	pool := newTestPool(t)
	dest := filepath.Join(t.TempDir(), "games", "demo")

	sess, err := pool.NewSession(dest)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	stream := buildUploadStream(t, [][]protocol.PackRecord{
		{{Path: "a.bin", Data: []byte("HELLO")}},
	}, true)

	done, err := sess.Feed(stream)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if !done {
		t.Fatal("expected done after FINISH")
	}

	sess.Destroy()

	files, bytesTotal := sess.Stats()
	if files != 1 || bytesTotal != 5 {
		t.Errorf("expected stats (1, 5), got (%d, %d)", files, bytesTotal)
	}

	data, err := os.ReadFile(filepath.Join(dest, "a.bin"))
	if err != nil {
		t.Fatalf("reading uploaded file: %v", err)
	}
	if string(data) != "HELLO" {
		t.Errorf("expected HELLO, got %q", data)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(filepath.Join(dest, "a.bin"))
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if info.Mode().Perm() != 0777 {
			t.Errorf("expected mode 0777, got %o", info.Mode().Perm())
		}
	}
}

func TestSession_TraversalRecordSkipped(t *testing.T) {
	pool := newTestPool(t)
	root := t.TempDir()
	dest := filepath.Join(root, "dest")

	sess, err := pool.NewSession(dest)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	stream := buildUploadStream(t, [][]protocol.PackRecord{
		{
			{Path: "../../etc/passwd", Data: []byte("pwned")},
			{Path: "ok.bin", Data: []byte("fine")},
		},
	}, true)

	if _, err := sess.Feed(stream); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	sess.Destroy()

	files, bytesTotal := sess.Stats()
	if files != 1 || bytesTotal != 4 {
		t.Errorf("expected stats (1, 4), got (%d, %d)", files, bytesTotal)
	}

	if _, err := os.Stat(filepath.Join(root, "etc", "passwd")); !os.IsNotExist(err) {
		t.Error("traversal record escaped the destination root")
	}
	// O record é pulado por inteiro: nem re-rooteado sob o destino.
	if _, err := os.Stat(filepath.Join(dest, "etc", "passwd")); !os.IsNotExist(err) {
		t.Error("traversal record should be skipped, not re-rooted")
	}
	if _, err := os.Stat(filepath.Join(dest, "ok.bin")); err != nil {
		t.Errorf("expected ok.bin written: %v", err)
	}
}

func TestSession_AppendedRecords(t *testing.T) {
	pool := newTestPool(t)
	dest := filepath.Join(t.TempDir(), "dest")

	sess, err := pool.NewSession(dest)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	stream := buildUploadStream(t, [][]protocol.PackRecord{
		{
			{Path: "c", Data: []byte("AA")},
			{Path: "c", Data: []byte("BB")},
			{Path: "c", Data: []byte("CC")},
		},
	}, true)

	if _, err := sess.Feed(stream); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	sess.Destroy()

	files, bytesTotal := sess.Stats()
	if files != 1 || bytesTotal != 6 {
		t.Errorf("expected stats (1, 6), got (%d, %d)", files, bytesTotal)
	}

	data, err := os.ReadFile(filepath.Join(dest, "c"))
	if err != nil {
		t.Fatalf("reading file: %v", err)
	}
	if string(data) != "AABBCC" {
		t.Errorf("expected AABBCC, got %q", data)
	}
}

func TestSession_SamePathAcrossPacksAppends(t *testing.T) {
	pool := newTestPool(t)
	dest := filepath.Join(t.TempDir(), "dest")

	sess, err := pool.NewSession(dest)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	// O arquivo permanece aberto entre packs: o segundo pack continua o mesmo
	// path e deve fazer append, não truncar.
	stream := buildUploadStream(t, [][]protocol.PackRecord{
		{{Path: "big.bin", Data: []byte("part1-")}},
		{{Path: "big.bin", Data: []byte("part2")}},
	}, true)

	if _, err := sess.Feed(stream); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	sess.Destroy()

	data, err := os.ReadFile(filepath.Join(dest, "big.bin"))
	if err != nil {
		t.Fatalf("reading file: %v", err)
	}
	if string(data) != "part1-part2" {
		t.Errorf("expected part1-part2, got %q", data)
	}

	files, _ := sess.Stats()
	if files != 1 {
		t.Errorf("expected 1 file, got %d", files)
	}
}

func TestSession_NestedDirectoriesCreated(t *testing.T) {
	pool := newTestPool(t)
	dest := filepath.Join(t.TempDir(), "dest")

	sess, err := pool.NewSession(dest)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	stream := buildUploadStream(t, [][]protocol.PackRecord{
		{
			{Path: "a/b/c/file1", Data: []byte("1")},
			{Path: "a/b/file2", Data: []byte("2")},
			{Path: "x\\y\\file3", Data: []byte("3")},
		},
	}, true)

	if _, err := sess.Feed(stream); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	sess.Destroy()

	for _, rel := range []string{"a/b/c/file1", "a/b/file2", "x/y/file3"} {
		if _, err := os.Stat(filepath.Join(dest, rel)); err != nil {
			t.Errorf("expected %s: %v", rel, err)
		}
	}

	files, _ := sess.Stats()
	if files != 3 {
		t.Errorf("expected 3 files, got %d", files)
	}
}

func TestSession_MalformedMagicPoisons(t *testing.T) {
	pool := newTestPool(t)
	dest := filepath.Join(t.TempDir(), "dest")

	sess, err := pool.NewSession(dest)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	bad := []byte{0xEF, 0xBE, 0xAD, 0xDE, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	if _, err := sess.Feed(bad); !errors.Is(err, protocol.ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
	if !sess.Failed() {
		t.Error("expected session poisoned")
	}

	sess.Destroy()
	files, bytesTotal := sess.Stats()
	if files != 0 || bytesTotal != 0 {
		t.Errorf("expected no writes, got (%d, %d)", files, bytesTotal)
	}

	entries, err := os.ReadDir(dest)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty destination, got %d entries", len(entries))
	}
}

func TestSession_SplitFeedsAcrossFrameBoundaries(t *testing.T) {
	pool := newTestPool(t)
	dest := filepath.Join(t.TempDir(), "dest")

	sess, err := pool.NewSession(dest)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	stream := buildUploadStream(t, [][]protocol.PackRecord{
		{{Path: "f1", Data: bytes.Repeat([]byte("A"), 1000)}},
		{{Path: "f2", Data: bytes.Repeat([]byte("B"), 1000)}},
	}, true)

	done := false
	for i := 0; i < len(stream); i += 17 {
		end := i + 17
		if end > len(stream) {
			end = len(stream)
		}
		var err error
		done, err = sess.Feed(stream[i:end])
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		if done {
			break
		}
	}
	if !done {
		t.Fatal("expected done")
	}
	sess.Destroy()

	files, bytesTotal := sess.Stats()
	if files != 2 || bytesTotal != 2000 {
		t.Errorf("expected stats (2, 2000), got (%d, %d)", files, bytesTotal)
	}
}
