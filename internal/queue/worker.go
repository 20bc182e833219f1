package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Worker ids. File workers are numbered from FirstFileWorker.
const (
	LocalFolderWorker  = 1
	RemoteFolderWorker = 2
	FirstFileWorker    = 3
)

// Run starts the workers and the error queue timer. It blocks until ctx is
// cancelled, then waits for in-flight items to finish.
func (m *Manager) Run(ctx context.Context, h Handler) error {
	if h == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("queue manager already running")
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	m.config.Logger.Printf("starting %d file worker(s)", m.config.FileWorkers)

	var wg sync.WaitGroup
	start := func(id int, kinds ...Kind) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.work(ctx, h, id, kinds)
		}()
	}
	start(LocalFolderWorker, LocalFolder)
	start(RemoteFolderWorker, RemoteFolder)
	for i := 0; i < m.config.FileWorkers; i++ {
		// Alternate the preferred side so neither starves.
		if i%2 == 0 {
			start(FirstFileWorker+i, LocalFile, RemoteFile)
		} else {
			start(FirstFileWorker+i, RemoteFile, LocalFile)
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.retryLoop(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	m.config.Logger.Printf("stopped")
	return nil
}

func (m *Manager) work(ctx context.Context, h Handler, id int, kinds []Kind) {
	for {
		if ctx.Err() != nil {
			return
		}
		it, ok, changed := m.next(kinds)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-changed:
			}
			continue
		}
		m.handle(ctx, h, id, it)
	}
}

// retryLoop re-queues due error items.
func (m *Manager) retryLoop(ctx context.Context) {
	ticker := time.NewTicker(m.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.RetryDue(); n > 0 {
				m.config.Logger.Printf("retrying %d pair(s)", n)
			}
		}
	}
}

// Drain processes queued items in the calling goroutine, folders first,
// until every enabled queue is empty. Items pushed while draining are
// processed too; the error queue is left alone. It returns the number of
// items handled.
func (m *Manager) Drain(ctx context.Context, h Handler) int {
	order := []Kind{LocalFolder, RemoteFolder, LocalFile, RemoteFile}
	n := 0
	for ctx.Err() == nil {
		it, ok, _ := m.next(order)
		if !ok {
			break
		}
		worker := FirstFileWorker
		switch it.Kind {
		case LocalFolder:
			worker = LocalFolderWorker
		case RemoteFolder:
			worker = RemoteFolderWorker
		}
		m.handle(ctx, h, worker, it)
		n++
	}
	return n
}
