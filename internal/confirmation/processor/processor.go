// Package processor implements the parallel confirmation processor: a
// priority-ordered queue drained by a bounded worker pool, with retry,
// exponential backoff, and graceful shutdown. One scheduler goroutine owns
// dispatch; workers run concurrently and report back over channels.
package processor

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/finp2p/finp2p-router/internal/confirmation"
	"github.com/finp2p/finp2p-router/internal/core/types"
)

var (
	// ErrShuttingDown is returned by AddTask once shutdown has begun.
	ErrShuttingDown = errors.New("processor is shutting down")

	// ErrInvalidTask is returned when the transfer has no id.
	ErrInvalidTask = errors.New("task transfer must have an id")
)

// Priority orders tasks in the queue; smaller values are processed first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// RecordCreator is the slice of the confirmation store the processor
// needs. Satisfied by *confirmation.Store.
type RecordCreator interface {
	CreateConfirmationRecord(ctx context.Context, transfer *types.Transfer, status confirmation.Status, ledgerTxHash string) (*confirmation.Record, error)
}

// Task is one pending confirmation write.
type Task struct {
	ID         string
	Transfer   *types.Transfer
	Priority   Priority
	MaxRetries int

	retryCount int
	enqueuedAt time.Time
}

// Result is the terminal outcome of a task. Exactly one result is
// recorded per task id.
type Result struct {
	TaskID      string
	TransferID  string
	Record      *confirmation.Record
	Err         error
	Retries     int
	CompletedAt time.Time
}

// Config holds the processor tunables.
type Config struct {
	MaxConcurrency    int
	BatchSize         int
	ProcessingTimeout time.Duration
	MaxRetries        int
	ShutdownTimeout   time.Duration

	// RetryBaseDelay is the backoff unit; retry n waits
	// RetryBaseDelay * 2^n. Shortened under test.
	RetryBaseDelay time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:    10,
		BatchSize:         5,
		ProcessingTimeout: 30 * time.Second,
		MaxRetries:        3,
		ShutdownTimeout:   30 * time.Second,
		RetryBaseDelay:    time.Second,
	}
}

// TestConfig returns defaults with short timeouts for tests.
func TestConfig() Config {
	cfg := DefaultConfig()
	cfg.ProcessingTimeout = 2 * time.Second
	cfg.ShutdownTimeout = 5 * time.Second
	cfg.RetryBaseDelay = 5 * time.Millisecond
	return cfg
}

// saturationWait bounds the scheduler's sleep when all slots are busy, so
// a lost completion signal cannot deadlock dispatch.
const saturationWait = 100 * time.Millisecond

// completedCacheSize bounds the retained results.
const completedCacheSize = 4096

// Metrics is a snapshot of processor counters.
type Metrics struct {
	Queued    int
	Active    int
	Completed uint64
	Failed    uint64
	Retried   uint64
}

// Processor is the bounded-concurrency confirmation worker pool.
type Processor struct {
	cfg    Config
	store  RecordCreator
	logger *log.Logger

	mu           sync.Mutex
	queue        []*Task
	active       map[string]*Task
	completed    *lru.Cache[string, *Result]
	running      bool
	shuttingDown bool
	schedulerWG  sync.WaitGroup

	completedCount uint64
	failedCount    uint64
	retriedCount   uint64

	// wake nudges the scheduler after an enqueue; taskDone after a
	// worker finishes. Both are buffered so signalers never block.
	wake     chan struct{}
	taskDone chan struct{}

	// OnConfirmationCreated, when set, is invoked after every successful
	// record write.
	OnConfirmationCreated func(*Result)
}

// New creates a processor writing records through store.
func New(cfg Config, store RecordCreator) *Processor {
	def := DefaultConfig()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = def.ProcessingTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	cache, _ := lru.New[string, *Result](completedCacheSize)
	return &Processor{
		cfg:       cfg,
		store:     store,
		logger:    log.New(os.Stderr, "[confirmation-processor] ", log.LstdFlags),
		active:    make(map[string]*Task),
		completed: cache,
		wake:      make(chan struct{}, 1),
		taskDone:  make(chan struct{}, 1),
	}
}

// AddTask queues a confirmation write for transfer and returns the task
// id. Tasks are ordered by priority; equal priorities keep insertion
// order. The first task starts the scheduler. Safe to call from any
// goroutine.
func (p *Processor) AddTask(transfer *types.Transfer, priority Priority, maxRetries int) (string, error) {
	if transfer == nil || transfer.ID == "" {
		return "", ErrInvalidTask
	}
	if maxRetries <= 0 {
		maxRetries = p.cfg.MaxRetries
	}

	task := &Task{
		ID:         uuid.NewString(),
		Transfer:   transfer,
		Priority:   priority,
		MaxRetries: maxRetries,
		enqueuedAt: time.Now(),
	}

	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return "", ErrShuttingDown
	}
	p.insertLocked(task)
	start := !p.running
	if start {
		p.running = true
		p.schedulerWG.Add(1)
	}
	p.mu.Unlock()

	if start {
		go p.schedule()
	}
	p.signal(p.wake)
	return task.ID, nil
}

// insertLocked places task at the first position whose priority is
// strictly worse, keeping FIFO order within a priority. Caller holds mu.
func (p *Processor) insertLocked(task *Task) {
	idx := len(p.queue)
	for i, queued := range p.queue {
		if queued.Priority > task.Priority {
			idx = i
			break
		}
	}
	p.queue = append(p.queue, nil)
	copy(p.queue[idx+1:], p.queue[idx:])
	p.queue[idx] = task
}

// requeue puts a retried task back in the queue, waking the scheduler.
func (p *Processor) requeue(task *Task) {
	p.mu.Lock()
	if p.shuttingDown {
		// Shutdown already began; record the task as failed instead of
		// leaving it stranded.
		p.mu.Unlock()
		p.finish(&Result{
			TaskID:      task.ID,
			TransferID:  task.Transfer.ID,
			Err:         ErrShuttingDown,
			Retries:     task.retryCount,
			CompletedAt: time.Now(),
		}, false)
		return
	}
	p.insertLocked(task)
	running := p.running
	if !running {
		p.running = true
		p.schedulerWG.Add(1)
	}
	p.mu.Unlock()

	if !running {
		go p.schedule()
	}
	p.signal(p.wake)
}

func (p *Processor) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// schedule is the single scheduler loop: while work remains, it launches
// up to min(availableSlots, batchSize) tasks and waits for completions.
func (p *Processor) schedule() {
	defer p.schedulerWG.Done()
	for {
		p.mu.Lock()
		if len(p.queue) == 0 && len(p.active) == 0 {
			p.running = false
			p.mu.Unlock()
			return
		}

		slots := p.cfg.MaxConcurrency - len(p.active)
		if slots <= 0 || len(p.queue) == 0 {
			p.mu.Unlock()
			select {
			case <-p.taskDone:
			case <-p.wake:
			case <-time.After(saturationWait):
			}
			continue
		}

		n := slots
		if n > p.cfg.BatchSize {
			n = p.cfg.BatchSize
		}
		if n > len(p.queue) {
			n = len(p.queue)
		}
		batch := make([]*Task, n)
		copy(batch, p.queue[:n])
		p.queue = append(p.queue[:0], p.queue[n:]...)
		for _, task := range batch {
			p.active[task.ID] = task
		}
		p.mu.Unlock()

		for _, task := range batch {
			go p.execute(task)
		}
	}
}

// execute runs one task attempt.
func (p *Processor) execute(task *Task) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProcessingTimeout)
	defer cancel()

	rec, err := p.store.CreateConfirmationRecord(ctx, task.Transfer, confirmation.StatusConfirmed, "")
	if err == nil {
		p.finish(&Result{
			TaskID:      task.ID,
			TransferID:  task.Transfer.ID,
			Record:      rec,
			Retries:     task.retryCount,
			CompletedAt: time.Now(),
		}, true)
		return
	}

	task.retryCount++
	if task.retryCount < task.MaxRetries {
		delay := p.cfg.RetryBaseDelay * (1 << task.retryCount)
		p.logger.Printf("task %s attempt %d failed (%v), retrying in %s", task.ID, task.retryCount, err, delay)

		p.mu.Lock()
		delete(p.active, task.ID)
		p.retriedCount++
		p.mu.Unlock()
		p.signal(p.taskDone)

		time.AfterFunc(delay, func() { p.requeue(task) })
		return
	}

	p.logger.Printf("task %s failed permanently after %d attempts: %v", task.ID, task.retryCount, err)
	p.finish(&Result{
		TaskID:      task.ID,
		TransferID:  task.Transfer.ID,
		Err:         err,
		Retries:     task.retryCount,
		CompletedAt: time.Now(),
	}, false)
}

// finish records a terminal result exactly once per task id.
func (p *Processor) finish(res *Result, success bool) {
	p.mu.Lock()
	delete(p.active, res.TaskID)
	if _, dup := p.completed.Peek(res.TaskID); !dup {
		p.completed.Add(res.TaskID, res)
		if success {
			p.completedCount++
		} else {
			p.failedCount++
		}
	}
	callback := p.OnConfirmationCreated
	p.mu.Unlock()

	p.signal(p.taskDone)
	if success && callback != nil {
		callback(res)
	}
}

// GetResult returns the terminal result for a task id, if recorded.
func (p *Processor) GetResult(taskID string) (*Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed.Peek(taskID)
}

// Metrics returns a snapshot of the processor counters.
func (p *Processor) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Metrics{
		Queued:    len(p.queue),
		Active:    len(p.active),
		Completed: p.completedCount,
		Failed:    p.failedCount,
		Retried:   p.retriedCount,
	}
}

// Shutdown stops the processor. A soft shutdown waits up to the shutdown
// timeout for active tasks to drain, then clears what remains; a forced
// shutdown clears immediately. No new tasks are accepted once shutdown
// has begun.
func (p *Processor) Shutdown(force bool) {
	p.mu.Lock()
	p.shuttingDown = true
	p.mu.Unlock()

	if !force {
		deadline := time.Now().Add(p.cfg.ShutdownTimeout)
		for time.Now().Before(deadline) {
			p.mu.Lock()
			drained := len(p.active) == 0
			p.mu.Unlock()
			if drained {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	p.mu.Lock()
	dropped := len(p.queue)
	p.queue = nil
	p.mu.Unlock()
	if dropped > 0 {
		p.logger.Printf("shutdown dropped %d queued tasks", dropped)
	}
	p.signal(p.wake)
	p.schedulerWG.Wait()
}
