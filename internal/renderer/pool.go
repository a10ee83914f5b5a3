package renderer

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/koios/mapgen/internal/metrics"
	"github.com/koios/mapgen/pkg/models"
	"go.uber.org/zap"
)

// Job states. A queued job is either claimed by a worker or abandoned by its
// caller, never both.
const (
	jobQueued int32 = iota
	jobStarted
	jobAbandoned
)

// renderJob is one queued renderer invocation
type renderJob struct {
	req        *models.GenerationRequest
	ctx        context.Context
	outputPath string
	result     chan error
	state      atomic.Int32
}

// Pool caps the number of renderer processes running at once. Requests over
// the cap wait in a bounded queue.
type Pool struct {
	workers  int
	renderer Renderer
	jobQueue chan *renderJob
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *zap.Logger
}

// NewPool creates a pool of workers that hand jobs to renderer
func NewPool(workers int, renderer Renderer, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 4 // default to 4 workers
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		workers:  workers,
		renderer: renderer,
		jobQueue: make(chan *renderJob, workers*2), // buffer for 2x workers
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}
}

// Start launches all worker goroutines
func (p *Pool) Start() {
	p.logger.Info("Starting render worker pool",
		zap.Int("workers", p.workers),
		zap.Int("queue_size", cap(p.jobQueue)))

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop rejects queued jobs, lets running renders finish and waits for the workers
func (p *Pool) Stop() {
	p.logger.Info("Stopping render worker pool")
	p.cancel()

	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobQueue)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Render worker pool stopped")
}

// Render queues a job and waits for its result. ctx only bounds the time
// spent waiting for a free worker; once started a render runs to completion.
func (p *Pool) Render(ctx context.Context, req *models.GenerationRequest, outputPath string) error {
	job := &renderJob{
		req:        req,
		ctx:        ctx,
		outputPath: outputPath,
		result:     make(chan error, 1),
	}

	if err := p.enqueue(ctx, job); err != nil {
		return err
	}

	select {
	case err := <-job.result:
		return err
	case <-ctx.Done():
		if job.state.CompareAndSwap(jobQueued, jobAbandoned) {
			p.logger.Debug("Abandoned queued render", zap.String("output", outputPath), zap.Error(ctx.Err()))
			return &RenderError{Kind: KindUnavailable, ExitCode: -1, Err: ctx.Err()}
		}
		// A worker already claimed the job
		return <-job.result
	}
}

func (p *Pool) enqueue(ctx context.Context, job *renderJob) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return &RenderError{Kind: KindUnavailable, ExitCode: -1, Err: ErrPoolStopped}
	}

	metrics.RenderQueueDepth.Inc()
	select {
	case p.jobQueue <- job:
		return nil
	case <-ctx.Done():
		metrics.RenderQueueDepth.Dec()
		return &RenderError{Kind: KindUnavailable, ExitCode: -1, Err: ctx.Err()}
	case <-p.ctx.Done():
		metrics.RenderQueueDepth.Dec()
		return &RenderError{Kind: KindUnavailable, ExitCode: -1, Err: ErrPoolStopped}
	}
}

// worker is the main loop for a single worker
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	p.logger.Debug("Render worker started", zap.Int("worker_id", id))

	for job := range p.jobQueue {
		metrics.RenderQueueDepth.Dec()

		if !job.state.CompareAndSwap(jobQueued, jobStarted) {
			continue
		}
		if p.ctx.Err() != nil {
			job.result <- &RenderError{Kind: KindUnavailable, ExitCode: -1, Err: ErrPoolStopped}
			continue
		}
		p.processJob(id, job)
	}

	p.logger.Debug("Render worker stopping (queue closed)", zap.Int("worker_id", id))
}

// processJob handles a single render job
func (p *Pool) processJob(workerID int, job *renderJob) {
	metrics.RendersInFlight.Inc()
	defer metrics.RendersInFlight.Dec()

	p.logger.Debug("Worker processing job",
		zap.Int("worker_id", workerID),
		zap.String("output", job.outputPath))

	err := p.renderer.Render(job.ctx, job.req, job.outputPath)
	job.result <- err

	if err != nil {
		p.logger.Debug("Worker completed job with error",
			zap.Int("worker_id", workerID),
			zap.Error(err))
	} else {
		p.logger.Debug("Worker completed job successfully",
			zap.Int("worker_id", workerID))
	}
}
