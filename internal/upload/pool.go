// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the FTX-Server License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package upload implementa o pipeline V2 de upload: sessões que decodificam
// o stream de frames e o pool de disk writers que materializa os packs.
package upload

import (
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// ErrQueueClosed é retornado por enfileiramentos após Close().
var ErrQueueClosed = errors.New("upload: pack queue closed")

// packJob é um pack completo aguardando escrita em disco.
// A posse de data transfere da sessão para a fila, e da fila para o worker
// que o aplica.
type packJob struct {
	data []byte
	sess *Session
	seq  uint64
}

// PoolOptions configura o pool de disk writers.
type PoolOptions struct {
	Workers        int   // default: 4
	QueueDepth     int   // default: 4
	MaxPackSize    int64 // limite de corpo por pack (default: 128MB)
	WriteRateLimit int64 // bytes/s agregado; <= 0 desabilita
}

// Pool é o pool global de disk writers compartilhado por todas as sessões.
// A fila é bounded: producers bloqueiam quando cheia, o que limita a memória
// residente de packs a QueueDepth × MaxPackSize no processo inteiro.
//
// Ordenação por sessão: cada worker que retira um job espera na condvar da
// sessão até next_seq == job.seq. Packs de uma mesma sessão são aplicados em
// ordem de enfileiramento; sessões distintas intercalam livremente.
type Pool struct {
	maxPackSize int64
	limiter     *rate.Limiter
	logger      *slog.Logger

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	jobs     []*packJob
	depth    int
	closed   bool

	wg sync.WaitGroup
}

// NewPool cria o pool e inicia os workers.
func NewPool(opts PoolOptions, logger *slog.Logger) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 4
	}
	if opts.MaxPackSize <= 0 {
		opts.MaxPackSize = 128 * 1024 * 1024
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		maxPackSize: opts.MaxPackSize,
		limiter:     NewRateLimiter(opts.WriteRateLimit),
		logger:      logger,
		depth:       opts.QueueDepth,
	}
	p.notEmpty = sync.NewCond(&p.mu)
	p.notFull = sync.NewCond(&p.mu)

	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	return p
}

// MaxPackSize retorna o limite de corpo aplicado aos parsers das sessões.
func (p *Pool) MaxPackSize() int64 {
	return p.maxPackSize
}

// Limiter expõe o rate limiter compartilhado de escrita em disco (nil quando
// desabilitado), para os caminhos de escrita fora do pool.
func (p *Pool) Limiter() *rate.Limiter {
	return p.limiter
}

// QueueLen retorna o número de jobs aguardando na fila.
func (p *Pool) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

// enqueue insere um job, bloqueando enquanto a fila estiver cheia.
func (p *Pool) enqueue(job *packJob) error {
	p.mu.Lock()
	for !p.closed && len(p.jobs) >= p.depth {
		p.notFull.Wait()
	}
	if p.closed {
		p.mu.Unlock()
		return ErrQueueClosed
	}
	p.jobs = append(p.jobs, job)
	p.notEmpty.Signal()
	p.mu.Unlock()
	return nil
}

// dequeue retira o job mais antigo, bloqueando enquanto a fila estiver vazia.
// Retorna ok == false quando a fila foi fechada e drenada.
func (p *Pool) dequeue() (*packJob, bool) {
	p.mu.Lock()
	for !p.closed && len(p.jobs) == 0 {
		p.notEmpty.Wait()
	}
	if len(p.jobs) == 0 {
		p.mu.Unlock()
		return nil, false
	}
	job := p.jobs[0]
	p.jobs = p.jobs[1:]
	p.notFull.Signal()
	p.mu.Unlock()
	return job, true
}

// Close fecha a fila e espera os workers drenarem os jobs restantes.
// Na operação normal do servidor nunca é chamado (os workers vivem pelo
// processo); existe para shutdown controlado e testes.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.notEmpty.Broadcast()
	p.notFull.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		job, ok := p.dequeue()
		if !ok {
			return
		}
		job.sess.applyOrdered(job)
	}
}
