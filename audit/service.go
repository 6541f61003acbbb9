package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kasuganosora/lootsync/model"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Actions recorded against containers.
const (
	ActionTake     = "take"
	ActionReorder  = "reorder"
	ActionPut      = "put"
	ActionSpawn    = "spawn"
	ActionRestore  = "restore"
	ActionSubtract = "subtract"
	ActionDeny     = "deny"
)

const (
	queueSize = 1024
	batchSize = 100
)

// Entry holds one container operation to be logged.
type Entry struct {
	TraceID    string
	PeerID     *int64
	Identity   string
	Action     string
	LootUID    int
	SceneID    string
	Request    interface{}
	Response   interface{}
	Error      string
	DurationMs int
}

// Logger is what game code needs from the audit trail.
type Logger interface {
	Log(entry Entry)
}

// Nop discards every entry.
type Nop struct{}

func (Nop) Log(Entry) {}

type ctxKeyTraceID struct{}

// WithTraceID attaches a trace id to ctx.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyTraceID{}, id)
}

// TraceIDFromCtx returns the trace id attached to ctx, or "".
func TraceIDFromCtx(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxKeyTraceID{}).(string); ok {
		return v
	}
	return ""
}

// Service logs audit entries asynchronously in batches.
type Service struct {
	db       *gorm.DB
	ch       chan *model.LootAudit
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// New creates a new audit Service and starts its background worker.
func New(db *gorm.DB, logger *zap.Logger) *Service {
	svc := &Service{
		db:     db,
		ch:     make(chan *model.LootAudit, queueSize),
		stopCh: make(chan struct{}),
		logger: logger,
	}
	svc.wg.Add(1)
	go svc.worker()
	return svc
}

// Log enqueues an entry for async DB write. Entries are dropped when the
// queue is full.
func (svc *Service) Log(entry Entry) {
	record := &model.LootAudit{
		TraceID:    entry.TraceID,
		PeerID:     entry.PeerID,
		Identity:   entry.Identity,
		Action:     entry.Action,
		LootUID:    entry.LootUID,
		SceneID:    entry.SceneID,
		Request:    marshal(entry.Request),
		Response:   marshal(entry.Response),
		Error:      entry.Error,
		DurationMs: entry.DurationMs,
	}
	select {
	case svc.ch <- record:
	default:
		svc.logger.Warn("audit channel full, dropping entry",
			zap.String("action", entry.Action),
			zap.Int("uid", entry.LootUID))
	}
}

func marshal(v interface{}) datatypes.JSON {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}

// Stop flushes remaining entries and shuts down the worker.
// It blocks until the worker goroutine has finished.
func (svc *Service) Stop(_ context.Context) {
	svc.stopOnce.Do(func() { close(svc.stopCh) })
	svc.wg.Wait()
}

func (svc *Service) worker() {
	defer svc.wg.Done()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	batch := make([]*model.LootAudit, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := svc.db.Create(&batch).Error; err != nil {
			svc.logger.Error("audit batch write failed", zap.Error(err), zap.Int("entries", len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-svc.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-svc.stopCh:
			for {
				select {
				case entry := <-svc.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
