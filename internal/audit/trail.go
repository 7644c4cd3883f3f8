package audit

/*
Файл trail.go реализует Audit Trail — асинхронный движок сбора и
персистентности событий безопасности песочниц.

Ключевые особенности архитектуры:
- Non-blocking Logging: неблокирующий канал между Hot Path оркестратора
  и воркером записи. Задержки БД не влияют на Response Time команд.
- Batching & Efficiency: накопление событий в памяти и пакетная запись
  (Bulk Insert) в PostgreSQL по таймеру или при достижении лимита пачки.
- Drain Pattern & Graceful Shutdown: при остановке сервиса буфер
  вычитывается полностью (Final Flush), потерь данных при перезагрузке нет.
- Load Shedding: при переполнении буфера событие не блокирует вызывающего,
  а уходит в структурный лог — данные видны хотя бы в stdout.
*/

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StorageInterface определяет, куда физически будут сохраняться события
type StorageInterface interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []Event) error
}

// Sink — то, что видят производители событий (оркестратор, GrantStore, монитор)
type Sink interface {
	Emit(event Event)
}

type Trail struct {
	ch        chan Event
	repo      StorageInterface
	logger    *zap.Logger
	wg        sync.WaitGroup
	batchSize int
	flushTick time.Duration

	// closeMu сериализует send против close(ch): Emit держит read-lock
	// на время отправки, Stop закрывает канал под write-lock.
	closeMu sync.RWMutex
	closed  bool
}

type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

func NewTrail(repo StorageInterface, logger *zap.Logger, opts Options) *Trail {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 10000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	return &Trail{
		ch:        make(chan Event, opts.BufferSize),
		repo:      repo,
		logger:    logger.With(zap.String("mod", "audit")),
		batchSize: opts.BatchSize,
		flushTick: opts.FlushInterval,
	}
}

func (t *Trail) Start() {
	t.wg.Add(1)
	go t.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (t *Trail) Stop() {
	t.closeMu.Lock()
	if t.closed {
		t.closeMu.Unlock()
		return
	}
	t.closed = true
	close(t.ch)
	t.closeMu.Unlock()

	t.logger.Info("stopping audit trail: flushing buffer...")
	t.wg.Wait()
	t.logger.Info("audit trail stopped gracefully")
}

// Emit ставит событие в очередь записи. Никогда не блокирует вызывающего.
func (t *Trail) Emit(event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	t.closeMu.RLock()
	defer t.closeMu.RUnlock()

	if t.closed {
		t.logger.Warn("audit event dropped: trail is stopping",
			zap.String("id", event.ID), zap.String("type", string(event.Type)))
		return
	}

	// Load Shedding: переполненный буфер не должен тормозить Hot Path
	select {
	case t.ch <- event:
	default:
		t.logger.Error("audit_buffer_overflow",
			zap.String("type", string(event.Type)),
			zap.String("agent_id", event.AgentID),
			zap.String("trace_id", event.TraceID),
		)
	}
}

func (t *Trail) worker() {
	defer t.wg.Done()

	batch := make([]Event, 0, t.batchSize)
	ticker := time.NewTicker(t.flushTick)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Background: основной контекст на shutdown уже может быть закрыт
			if err := t.repo.WriteBatch(context.Background(), batch); err != nil {
				t.logger.Error("audit flush failed", zap.Error(err), zap.Int("batch", len(batch)))
			}
			batch = batch[:0]
		}
	}

	for {
		select {
		case event, ok := <-t.ch:
			if !ok {
				// Закрытие канала в Stop() — самодостаточный сигнал завершения:
				// воркер сначала вычитает остатки очереди, потом получит ok == false
				flush()
				t.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= t.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// QueueDepth — текущее заполнение буфера (для gauge-метрики)
func (t *Trail) QueueDepth() int {
	return len(t.ch)
}

// NopSink — заглушка для тестов и локального режима без Postgres
type NopSink struct{}

func (NopSink) Emit(Event) {}
