package console

import (
	"context"
	"time"

	"github.com/g960059/autoclick/internal/model"
)

const journalFlushTimeout = 2 * time.Second

// enqueueJournal never blocks the owner goroutine; entries are dropped
// when the writer falls behind.
func (c *Console) enqueueJournal(e model.LogEntry) {
	select {
	case c.journalCh <- e:
	default:
		c.journalDropped.Add(1)
	}
}

func (c *Console) runJournal(ctx context.Context) error {
	for {
		select {
		case e := <-c.journalCh:
			c.persist(ctx, e)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalFlushTimeout)
			defer cancel()
			for {
				select {
				case e := <-c.journalCh:
					c.persist(flushCtx, e)
				default:
					return nil
				}
			}
		}
	}
}

func (c *Console) persist(ctx context.Context, e model.LogEntry) {
	if err := c.opts.Journal.InsertLogEntry(ctx, e); err != nil {
		c.logger.Warn("journal write failed", "entry", e.ID, "error", err)
	}
}
