// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the FTX-Server License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nishisan-dev/ftx-server/internal/logging"
)

// Estados de um job de extração.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobDone      = "done"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// ErrQueueFull indica que a fila de extração atingiu a capacidade configurada.
var ErrQueueFull = errors.New("extract: job queue full")

// Job é uma extração em background enfileirada via QUEUE_EXTRACT.
type Job struct {
	ID     string
	Src    string
	Dest   string
	Preset string

	mu         sync.Mutex
	state      string
	errMsg     string
	fileCount  int
	totalBytes uint64
	enqueuedAt time.Time
	startedAt  time.Time
	finishedAt time.Time
	cancel     context.CancelFunc

	// processed é atualizado pelo callback de progresso durante a extração.
	processed atomic.Uint64
	totalSize atomic.Uint64
}

// JobView é o snapshot serializável de um job para o PAYLOAD_STATUS.
type JobView struct {
	ID         string `json:"id"`
	Src        string `json:"src"`
	Dest       string `json:"dest"`
	Preset     string `json:"preset"`
	State      string `json:"state"`
	Error      string `json:"error,omitempty"`
	FileCount  int    `json:"file_count"`
	TotalBytes uint64 `json:"total_bytes"`
	Processed  uint64 `json:"processed_bytes"`
	TotalSize  uint64 `json:"total_size"`
	EnqueuedAt string `json:"enqueued_at"`
	StartedAt  string `json:"started_at,omitempty"`
	FinishedAt string `json:"finished_at,omitempty"`
}

func (j *Job) view() JobView {
	j.mu.Lock()
	defer j.mu.Unlock()

	v := JobView{
		ID:         j.ID,
		Src:        j.Src,
		Dest:       j.Dest,
		Preset:     j.Preset,
		State:      j.state,
		Error:      j.errMsg,
		FileCount:  j.fileCount,
		TotalBytes: j.totalBytes,
		Processed:  j.processed.Load(),
		TotalSize:  j.totalSize.Load(),
		EnqueuedAt: j.enqueuedAt.Format(time.RFC3339),
	}
	if !j.startedAt.IsZero() {
		v.StartedAt = j.startedAt.Format(time.RFC3339)
	}
	if !j.finishedAt.IsZero() {
		v.FinishedAt = j.finishedAt.Format(time.RFC3339)
	}
	return v
}

func (j *Job) setState(state string) {
	j.mu.Lock()
	j.state = state
	j.mu.Unlock()
}

// State retorna o estado corrente do job.
func (j *Job) State() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// NotifyFunc publica um evento operacional (nível, tipo, mensagem).
// O server pluga o journal de eventos aqui sem criar dependência cíclica.
type NotifyFunc func(level, eventType, message string)

// Queue serializa extrações em background: um worker dedicado consome os
// jobs na ordem de chegada. Jobs mantêm histórico em memória para o
// PAYLOAD_STATUS até serem limpos.
type Queue struct {
	logger    *slog.Logger
	jobLogDir string
	notify    NotifyFunc

	mu      sync.Mutex
	jobs    []*Job // histórico, mais antigo primeiro
	pending chan *Job
	closed  bool

	wg sync.WaitGroup
}

// NewQueue cria a fila e inicia o worker.
func NewQueue(capacity int, jobLogDir string, logger *slog.Logger, notify NotifyFunc) *Queue {
	if capacity <= 0 {
		capacity = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	if notify == nil {
		notify = func(string, string, string) {}
	}

	q := &Queue{
		logger:    logger.With("component", "extract_queue"),
		jobLogDir: jobLogDir,
		notify:    notify,
		pending:   make(chan *Job, capacity),
	}
	q.wg.Add(1)
	go q.worker()
	return q
}

// Enqueue registra um novo job. Retorna ErrQueueFull se não houver slot.
func (q *Queue) Enqueue(src, dest, preset string) (*Job, error) {
	job := &Job{
		ID:         uuid.NewString(),
		Src:        src,
		Dest:       dest,
		Preset:     preset,
		state:      JobQueued,
		enqueuedAt: time.Now(),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueFull
	}
	select {
	case q.pending <- job:
		q.jobs = append(q.jobs, job)
		q.mu.Unlock()
	default:
		q.mu.Unlock()
		return nil, ErrQueueFull
	}

	q.logger.Info("extraction queued", "job", job.ID, "src", src, "dest", dest, "preset", preset)
	return job, nil
}

// Cancel aborta um job. Jobs em fila são marcados cancelled e pulados pelo
// worker; o job em execução tem seu context cancelado e aborta no próximo
// yield point do extrator.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, job := range q.jobs {
		if job.ID != id {
			continue
		}
		job.mu.Lock()
		switch job.state {
		case JobQueued:
			job.state = JobCancelled
			job.finishedAt = time.Now()
		case JobRunning:
			if job.cancel != nil {
				job.cancel()
			}
		default:
			job.mu.Unlock()
			return false
		}
		job.mu.Unlock()
		return true
	}
	return false
}

// Clear cancela todos os jobs ainda em fila. Retorna quantos foram dropados.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := 0
	for _, job := range q.jobs {
		job.mu.Lock()
		if job.state == JobQueued {
			job.state = JobCancelled
			job.finishedAt = time.Now()
			dropped++
		}
		job.mu.Unlock()
	}
	return dropped
}

// Snapshot retorna a visão corrente de todos os jobs (mais antigo primeiro).
func (q *Queue) Snapshot() []JobView {
	q.mu.Lock()
	jobs := make([]*Job, len(q.jobs))
	copy(jobs, q.jobs)
	q.mu.Unlock()

	views := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, job.view())
	}
	return views
}

// Close drena e encerra o worker. Jobs pendentes são cancelados.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.pending)
	q.mu.Unlock()

	q.Clear()
	q.wg.Wait()
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for job := range q.pending {
		if job.State() != JobQueued {
			continue // cancelado enquanto esperava
		}
		q.run(job)
	}
}

func (q *Queue) run(job *Job) {
	ctx, cancel := context.WithCancel(context.Background())

	job.mu.Lock()
	job.state = JobRunning
	job.startedAt = time.Now()
	job.cancel = cancel
	job.mu.Unlock()

	jobLogger, logCloser, _, err := logging.NewJobLogger(q.logger, q.jobLogDir, job.ID)
	if err != nil {
		jobLogger = q.logger
	} else {
		defer logCloser.Close()
	}

	jobLogger.Info("extraction started", "job", job.ID, "src", job.Src, "dest", job.Dest)

	opts := Options{
		Tuning: TuningForPreset(job.Preset),
		Progress: func(info ProgressInfo) error {
			job.processed.Store(info.TotalProcessed)
			job.totalSize.Store(info.TotalSize)
			if !info.Keepalive {
				jobLogger.Debug("extracting entry", "file", info.Filename, "size", info.FileSize, "done", info.FilesDone)
			}
			return nil
		},
	}

	result, err := Extract(ctx, job.Src, job.Dest, opts)
	cancel()

	job.mu.Lock()
	job.finishedAt = time.Now()
	job.cancel = nil
	if result != nil {
		job.fileCount = result.FileCount
		job.totalBytes = result.TotalBytes
	}
	switch {
	case err == nil:
		job.state = JobDone
	case errors.Is(err, ErrAborted):
		job.state = JobCancelled
	default:
		job.state = JobFailed
		job.errMsg = err.Error()
	}
	state := job.state
	files := job.fileCount
	bytesTotal := job.totalBytes
	job.mu.Unlock()

	switch state {
	case JobDone:
		jobLogger.Info("extraction finished", "job", job.ID, "files", files, "bytes", bytesTotal)
		q.notify("info", "extract_done", fmt.Sprintf("extracted %s: %d files", job.Src, files))
	case JobCancelled:
		jobLogger.Warn("extraction cancelled", "job", job.ID)
		q.notify("warn", "extract_cancelled", fmt.Sprintf("extraction of %s cancelled", job.Src))
	default:
		jobLogger.Error("extraction failed", "job", job.ID, "error", err)
		q.notify("error", "extract_failed", fmt.Sprintf("extraction of %s failed: %v", job.Src, err))
	}
}
