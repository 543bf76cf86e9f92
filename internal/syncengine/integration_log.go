package syncengine

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// IntegrationLog is the append-only audit trail of adapter calls and inbound
// webhooks. Entries are persisted through the Store and fanned out to live
// subscribers (the admin stream) after they are durable.
type IntegrationLog struct {
	store  Store
	logger logrus.FieldLogger

	mu          sync.Mutex
	nextSubID   int
	subscribers map[int]chan IntegrationLogEntry
}

func NewIntegrationLog(store Store, logger logrus.FieldLogger) *IntegrationLog {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &IntegrationLog{
		store:       store,
		logger:      logger,
		subscribers: map[int]chan IntegrationLogEntry{},
	}
}

func (l *IntegrationLog) Record(ctx context.Context, entry IntegrationLogEntry) (IntegrationLogEntry, error) {
	stored, err := l.store.AppendLog(ctx, entry)
	if err != nil {
		l.logger.WithError(err).WithFields(logrus.Fields{
			"entity": entry.Entity.String(),
			"target": entry.Target,
			"action": entry.Action,
		}).Error("failed to append integration log entry")
		return IntegrationLogEntry{}, err
	}
	l.Publish(stored)
	return stored, nil
}

func (l *IntegrationLog) List(ctx context.Context, filter LogFilter) ([]IntegrationLogEntry, error) {
	return l.store.ListLog(ctx, filter)
}

// Publish hands committed entries to live subscribers. Slow subscribers miss
// entries instead of blocking the writer.
func (l *IntegrationLog) Publish(entries ...IntegrationLogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range entries {
		for _, ch := range l.subscribers {
			select {
			case ch <- entry:
			default:
			}
		}
	}
}

// Subscribe returns a channel of new entries and a cancel func that closes it.
func (l *IntegrationLog) Subscribe(buffer int) (<-chan IntegrationLogEntry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan IntegrationLogEntry, buffer)
	l.mu.Lock()
	id := l.nextSubID
	l.nextSubID++
	l.subscribers[id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subscribers, id)
			l.mu.Unlock()
			close(ch)
		})
	}
}

// recordingTx wraps a TxStore so the entries written inside a webhook
// transaction can be published once it commits.
type recordingTx struct {
	TxStore
	entries []IntegrationLogEntry
}

func (t *recordingTx) AppendLog(ctx context.Context, entry IntegrationLogEntry) (IntegrationLogEntry, error) {
	stored, err := t.TxStore.AppendLog(ctx, entry)
	if err != nil {
		return IntegrationLogEntry{}, err
	}
	t.entries = append(t.entries, stored)
	return stored, nil
}
