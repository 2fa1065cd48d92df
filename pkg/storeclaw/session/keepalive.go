package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// keepAlive probes the connection on a fixed interval. One instance lives
// for one Open episode and is stopped exactly once.
type keepAlive struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func startKeepAlive(interval time.Duration, probe func(context.Context) error, logger *slog.Logger) *keepAlive {
	ctx, cancel := context.WithCancel(context.Background())
	k := &keepAlive{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(k.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pctx, pcancel := context.WithTimeout(ctx, interval)
				err := probe(pctx)
				pcancel()
				// A failed probe is not a disconnect; the transport's own
				// close event drives reconnects.
				if err != nil && ctx.Err() == nil {
					logger.Warn("keep-alive probe failed", "error", err)
				}
			}
		}
	}()

	return k
}

// Stop cancels the prober. Later calls do nothing.
func (k *keepAlive) Stop() {
	k.once.Do(k.cancel)
}

// Done is closed when the probe loop has exited.
func (k *keepAlive) Done() <-chan struct{} {
	return k.done
}
