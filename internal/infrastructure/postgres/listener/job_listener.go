// Package listener turns PostgreSQL NOTIFY events into consumer wakeups.
package listener

import (
	"context"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	reconnectInterval = 5 * time.Second
	pingInterval      = 90 * time.Second
)

// JobListener listens on the job channel and signals the consumer of the
// queue named in each notification.
type JobListener struct {
	connStr string
	channel string
	logger  *zap.Logger

	mu   sync.Mutex
	wake map[string]chan struct{}

	shutdownCh chan struct{}
	done       chan struct{}
}

func NewJobListener(connStr, channel string, logger *zap.Logger) *JobListener {
	return &JobListener{
		connStr:    connStr,
		channel:    channel,
		logger:     logger.Named("job-listener"),
		wake:       make(map[string]chan struct{}),
		shutdownCh: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Wakeup returns the channel signalled when a job is enqueued on queue.
func (l *JobListener) Wakeup(queue string) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.wakeChan(queue)
}

func (l *JobListener) wakeChan(queue string) chan struct{} {
	ch, ok := l.wake[queue]
	if !ok {
		ch = make(chan struct{}, 1)
		l.wake[queue] = ch
	}
	return ch
}

// Signal wakes the consumer of queue without blocking. Repeated signals
// before the consumer drains collapse into one.
func (l *JobListener) Signal(queue string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case l.wakeChan(queue) <- struct{}{}:
	default:
	}
}

// Start begins listening in a background goroutine.
func (l *JobListener) Start(ctx context.Context) {
	go l.listen(ctx)
	l.logger.Info("job listener started", zap.String("channel", l.channel))
}

// Stop shuts the listener down and waits for it to exit.
func (l *JobListener) Stop() {
	close(l.shutdownCh)
	<-l.done
	l.logger.Info("job listener stopped")
}

func (l *JobListener) listen(ctx context.Context) {
	defer close(l.done)

	for {
		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		default:
			l.connectAndListen(ctx)
		}

		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(reconnectInterval):
			l.logger.Info("reconnecting job listener")
		}
	}
}

func (l *JobListener) connectAndListen(ctx context.Context) {
	listener := pq.NewListener(l.connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			l.logger.Debug("connected to notification channel")
		case pq.ListenerEventDisconnected:
			l.logger.Warn("disconnected from notification channel", zap.Error(err))
		case pq.ListenerEventReconnected:
			l.logger.Info("reconnected to notification channel")
		case pq.ListenerEventConnectionAttemptFailed:
			l.logger.Warn("notification connection attempt failed", zap.Error(err))
		}
	})
	defer listener.Close()

	if err := listener.Listen(l.channel); err != nil {
		l.logger.Error("failed to listen", zap.String("channel", l.channel), zap.Error(err))
		return
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		case n := <-listener.Notify:
			if n == nil {
				// Connection lost. pq delivers nil after reconnecting, so
				// wake every consumer in case a notification was missed.
				l.signalAll()
				continue
			}
			l.Signal(n.Extra)
		case <-ticker.C:
			go func() {
				if err := listener.Ping(); err != nil {
					l.logger.Warn("listener ping failed", zap.Error(err))
				}
			}()
		}
	}
}

func (l *JobListener) signalAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.wake {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
