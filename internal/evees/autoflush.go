package evees

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// AutoFlusher periodically flushes an Evees façade in the background.
type AutoFlusher struct {
	evees    *Evees
	interval time.Duration
	opts     FlushOptions
	logger   *logrus.Entry
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewAutoFlusher creates a flusher that runs at the given interval.
func NewAutoFlusher(e *Evees, interval time.Duration, opts FlushOptions) *AutoFlusher {
	return &AutoFlusher{
		evees:    e,
		interval: interval,
		opts:     opts,
		logger:   e.logger.WithField("task", "autoflush"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the background goroutine.
func (f *AutoFlusher) Start() {
	go func() {
		defer close(f.doneCh)
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()

		for {
			select {
			case <-f.stopCh:
				return
			case <-ticker.C:
				f.flush()
			}
		}
	}()
}

func (f *AutoFlusher) flush() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-f.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	diff, err := f.evees.Diff(ctx, &DiffOptions{Under: f.opts.Under})
	if err != nil {
		f.logger.WithError(err).Warn("diff failed")
		return
	}
	if diff.Empty() {
		return
	}
	opts := f.opts
	if err := f.evees.Flush(ctx, &opts); err != nil {
		f.logger.WithError(err).Error("flush failed")
		return
	}
	f.logger.WithField("perspectives", len(diff.PerspectiveIDs())).Info("flushed")
}

// Stop signals the flusher to stop and waits for it to finish.
func (f *AutoFlusher) Stop() {
	close(f.stopCh)
	<-f.doneCh
}
