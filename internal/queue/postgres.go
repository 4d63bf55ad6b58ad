package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	"genpipeline/internal/infra"
	"genpipeline/internal/sqlinline"
)

// Postgres publishes task ids with pg_notify and receives them through a
// lib/pq LISTEN connection. Notifications sent while no worker listens are
// lost; queue recovery covers that gap.
type Postgres struct {
	sql      infra.SQLExecutor
	listener *pq.Listener
	q        *fifo
	logger   infra.Logger
	stop     chan struct{}
}

// NewPostgres opens a dedicated LISTEN connection using connStr. A nil
// listener is created when listen is false, for API processes that only
// enqueue.
func NewPostgres(sql infra.SQLExecutor, connStr string, listen bool, logger infra.Logger) (*Postgres, error) {
	p := &Postgres{sql: sql, q: newFIFO(), logger: logger, stop: make(chan struct{})}
	if !listen {
		return p, nil
	}

	listener := pq.NewListener(connStr, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			logger.Warn().Err(err).Msg("queue: listener connection problem")
		case pq.ListenerEventReconnected:
			logger.Info().Msg("queue: listener reconnected")
		}
	})
	if err := listener.Listen(sqlinline.TaskQueuedChannel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("listen %s: %w", sqlinline.TaskQueuedChannel, err)
	}
	p.listener = listener
	go p.pump()
	return p, nil
}

func (p *Postgres) pump() {
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-p.stop:
			return
		case n, ok := <-p.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// connection was re-established; missed ids are picked up by recovery
				continue
			}
			if n.Extra != "" {
				p.q.push(n.Extra)
			}
		case <-ping.C:
			go func() {
				if err := p.listener.Ping(); err != nil {
					p.logger.Warn().Err(err).Msg("queue: listener ping failed")
				}
			}()
		}
	}
}

func (p *Postgres) Enqueue(ctx context.Context, taskID string) error {
	if _, err := p.sql.Exec(ctx, sqlinline.QNotifyTaskQueued, taskID); err != nil {
		return fmt.Errorf("notify task queued: %w", err)
	}
	return nil
}

func (p *Postgres) Dequeue(ctx context.Context) (string, error) {
	return p.q.pop(ctx)
}

func (p *Postgres) Close() error {
	select {
	case <-p.stop:
		return nil
	default:
		close(p.stop)
	}
	p.q.close()
	if p.listener != nil {
		return p.listener.Close()
	}
	return nil
}

var _ Queue = (*Postgres)(nil)
