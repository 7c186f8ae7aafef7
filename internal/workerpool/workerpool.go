// Package workerpool starts and supervises a pool of sibling worker
// processes (spec §4.4, C4). Grounded on the source runner's
// subprocess.Popen dance: stdin piped as a deadman switch, stdout+stderr
// merged and drained to the log line by line.
package workerpool

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
)

// Launcher builds the argv/env for worker index i. The worker binary itself
// is out of scope (spec §1); the pool only needs to know how to start it.
type Launcher interface {
	// Args returns the full argument vector, including argv[0].
	Args(workerIndex int) []string
	// Env returns the child environment for worker index i.
	Env(workerIndex int) []string
}

// Pool supervises the lifetime of N sibling worker processes. It is
// process-wide per spec §4.4/§5: "the worker pool is process-wide
// (singleton)". The source keeps the pool on the Runner class itself;
// spec §9 recommends instead owning it in a supervisor value created once
// by the embedder and passed into each analysis — that is what Pool is.
type Pool struct {
	logger *slog.Logger

	mu      sync.Mutex
	workers []*worker
}

type worker struct {
	index int
	cmd   *exec.Cmd
	stdin io.WriteCloser // the deadman switch.
	done  chan struct{}  // closed once cmd.Wait() has returned.
}

// New creates an empty pool. Call Start to launch workers.
func New(logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{logger: logger}
}

// Start launches n workers. It is idempotent: a non-empty pool is left
// untouched (spec §4.4 "start is idempotent").
func (p *Pool) Start(ctx context.Context, n int, launcher Launcher) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.workers) > 0 {
		return nil
	}

	workers := make([]*worker, 0, n)

	for i := 0; i < n; i++ {
		w, err := p.startOne(ctx, i, launcher)
		if err != nil {
			for _, started := range workers {
				stopOne(started)
			}

			return fmt.Errorf("workerpool: start worker %d: %w", i, err)
		}

		workers = append(workers, w)
	}

	p.workers = workers

	return nil
}

func (p *Pool) startOne(ctx context.Context, index int, launcher Launcher) (*worker, error) {
	args := launcher.Args(index)
	if len(args) == 0 {
		return nil, fmt.Errorf("workerpool: launcher returned empty argv for worker %d", index)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = launcher.Env(index)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	// Merge stdout+stderr into one pipe so worker log output interleaves in
	// the order the worker emitted it (spec §4.4 step 3).
	logReader, logWriter := io.Pipe()
	cmd.Stdout = logWriter
	cmd.Stderr = logWriter

	if err := cmd.Start(); err != nil {
		_ = logWriter.Close()

		return nil, fmt.Errorf("start: %w", err)
	}

	w := &worker{index: index, cmd: cmd, stdin: stdin, done: make(chan struct{})}

	go func() {
		defer close(w.done)
		defer logWriter.Close()

		if err := cmd.Wait(); err != nil {
			p.logger.Debug("worker exited", "worker", index, "error", err)
		}
	}()

	go p.drainLog(index, logReader)

	return w, nil
}

// drainLog reads the worker's merged stdout line by line, tagging each line
// with the worker index (spec §4.4 step 5).
func (p *Pool) drainLog(index int, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		p.logger.Info("worker output", "worker", index, "line", scanner.Text())
	}
}

// Stop closes every deadman switch and waits for all children to exit
// (spec §4.4 stop procedure; §5 cancellation bound).
func (p *Pool) Stop() {
	p.mu.Lock()
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()

	for _, w := range workers {
		if err := w.stdin.Close(); err != nil {
			p.logger.Warn("workerpool: close deadman switch", "worker", w.index, "error", err)
		}
	}

	for _, w := range workers {
		stopOne(w)
	}
}

func stopOne(w *worker) {
	_ = w.stdin.Close()
	<-w.done
}

// Size reports how many workers are currently running.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.workers)
}
