package receiver

import (
	"errors"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/ssbtransport/internal/broker"
	"pkt.systems/ssbtransport/internal/clock"
)

// detachedTx is a transaction handed out by TakeTransaction. Finishing it
// releases the connection; a watchdog rolls it back when the caller takes
// longer than the configured timeout.
type detachedTx struct {
	broker.Tx
	handle Releaser
	logger pslog.Logger

	once     sync.Once
	finished chan struct{}
}

func newDetachedTx(tx broker.Tx, handle Releaser, clk clock.Clock, timeout time.Duration, logger pslog.Logger) *detachedTx {
	d := &detachedTx{
		Tx:       tx,
		handle:   handle,
		logger:   logger,
		finished: make(chan struct{}),
	}
	if timeout > 0 {
		expired := clock.Or(clk).After(timeout)
		go func() {
			select {
			case <-expired:
				if err := d.finish(d.Tx.Rollback); err == nil {
					d.logger.Warn("receiver.detached_tx.expired", "timeout", timeout)
				}
			case <-d.finished:
			}
		}()
	}
	return d
}

func (d *detachedTx) finish(fn func() error) error {
	err := broker.ErrTxDone
	d.once.Do(func() {
		err = fn()
		close(d.finished)
		if d.handle != nil {
			if rerr := d.handle.Release(); rerr != nil {
				err = errors.Join(err, rerr)
			}
		}
	})
	return err
}

func (d *detachedTx) Commit() error {
	return d.finish(d.Tx.Commit)
}

func (d *detachedTx) Rollback() error {
	return d.finish(d.Tx.Rollback)
}
