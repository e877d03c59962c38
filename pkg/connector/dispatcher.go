// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

var (
	ErrQueueFull   = errors.New("update queue is full")
	ErrQueueClosed = errors.New("update queue is closed")
)

// DispatcherConfig sizes the update worker pool.
type DispatcherConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

func (c DispatcherConfig) normalize() DispatcherConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.Workers * 16
	}
	return c
}

// UpdateFunc handles one update.
type UpdateFunc func(ctx context.Context, update tgbotapi.Update)

// Dispatcher hands updates to a fixed pool of workers so slow outbound
// calls never stall polling. Updates from the same chat run one at a time,
// in arrival order per worker pickup.
type Dispatcher struct {
	handle UpdateFunc
	cfg    DispatcherConfig

	queue chan tgbotapi.Update
	locks *keyedMutex

	ctx    context.Context
	cancel context.CancelFunc

	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup

	log zerolog.Logger
}

// NewDispatcher starts the workers. Handlers receive a context derived from
// ctx that is cancelled when Shutdown gives up waiting.
func NewDispatcher(ctx context.Context, cfg DispatcherConfig, handle UpdateFunc, log zerolog.Logger) *Dispatcher {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(ctx)
	d := &Dispatcher{
		handle: handle,
		cfg:    cfg,
		queue:  make(chan tgbotapi.Update, cfg.QueueSize),
		locks:  newKeyedMutex(),
		ctx:    ctx,
		cancel: cancel,
		log:    log.With().Str("component", "dispatcher").Logger(),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Enqueue queues an update without blocking.
func (d *Dispatcher) Enqueue(update tgbotapi.Update) error {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return ErrQueueClosed
	}
	select {
	case d.queue <- update:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for update := range d.queue {
		d.process(update)
	}
}

func (d *Dispatcher) process(update tgbotapi.Update) {
	key := updateChatID(update)
	d.locks.Lock(key)
	defer d.locks.Unlock(key)
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Interface("panic", r).
				Int("update_id", update.UpdateID).
				Msg("Update handler panicked")
		}
	}()
	d.handle(d.ctx, update)
}

// Shutdown stops accepting updates and waits for queued ones to finish.
// If ctx expires first, in-flight handlers are cancelled.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.closeMu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		d.log.Warn().Msg("Shutdown timed out, cancelling in-flight updates")
		d.cancel()
		<-done
	}
	d.cancel()
}

func updateChatID(update tgbotapi.Update) int64 {
	if update.Message != nil && update.Message.Chat != nil {
		return update.Message.Chat.ID
	}
	return 0
}

// keyedMutex serializes work per key. Entries are dropped once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[int64]*refMutex)}
}

func (k *keyedMutex) Lock(key int64) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
}

func (k *keyedMutex) Unlock(key int64) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		k.mu.Unlock()
		return
	}
	m.refs--
	if m.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	m.Unlock()
}
