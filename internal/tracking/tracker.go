package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"key-relay/config"
)

// RequestRecord 一次入站请求的终态记录
type RequestRecord struct {
	RequestID        string    `json:"request_id"`
	Timestamp        time.Time `json:"timestamp"`
	Model            string    `json:"model"`
	Tier             string    `json:"tier"`
	Status           string    `json:"status"` // "success" 或失败分类名
	Attempts         int       `json:"attempts"`
	DurationMs       int64     `json:"duration_ms"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
}

// UsageTracker 异步使用跟踪器
// 记录通过带缓冲的channel进入，后台按批量或定时刷入数据库
// 缓冲区满时丢弃记录，绝不阻塞请求路径
type UsageTracker struct {
	adapter       DatabaseAdapter
	recordChan    chan RequestRecord
	batchSize     int
	flushInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	statsMu sync.Mutex
	dropped int64
}

// NewUsageTracker 创建并启动使用跟踪器
func NewUsageTracker(cfg *config.TrackingConfig) (*UsageTracker, error) {
	adapter, err := NewDatabaseAdapter(cfg.Database)
	if err != nil {
		return nil, err
	}

	if err := adapter.Open(); err != nil {
		return nil, fmt.Errorf("failed to open tracking database: %w", err)
	}

	if err := adapter.InitSchema(); err != nil {
		adapter.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	ut := &UsageTracker{
		adapter:       adapter,
		recordChan:    make(chan RequestRecord, cfg.BufferSize),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		ctx:           ctx,
		cancel:        cancel,
	}

	ut.wg.Add(1)
	go ut.writeLoop()

	slog.Info(fmt.Sprintf("📊 [使用跟踪] 已启动 - 后端: %s, 缓冲: %d, 批量: %d, 刷新间隔: %v",
		adapter.GetDatabaseType(), cfg.BufferSize, cfg.BatchSize, cfg.FlushInterval))

	return ut, nil
}

// RecordRequest 记录一次请求，缓冲区满时丢弃并告警
func (ut *UsageTracker) RecordRequest(record RequestRecord) {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}

	select {
	case ut.recordChan <- record:
	default:
		ut.statsMu.Lock()
		ut.dropped++
		dropped := ut.dropped
		ut.statsMu.Unlock()
		slog.Warn(fmt.Sprintf("⚠️ [使用跟踪] 缓冲区已满，丢弃记录 - 请求: %s, 累计丢弃: %d",
			record.RequestID, dropped))
	}
}

// writeLoop 后台批量写入循环
func (ut *UsageTracker) writeLoop() {
	defer ut.wg.Done()

	ticker := time.NewTicker(ut.flushInterval)
	defer ticker.Stop()

	batch := make([]RequestRecord, 0, ut.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := ut.writeBatch(batch); err != nil {
			slog.Error(fmt.Sprintf("❌ [使用跟踪] 批量写入失败: %v (丢弃%d条记录)", err, len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case record, ok := <-ut.recordChan:
			if !ok {
				flush()
				return
			}
			batch = append(batch, record)
			if len(batch) >= ut.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-ut.ctx.Done():
			// 尽力排空剩余记录后退出
			for {
				select {
				case record := <-ut.recordChan:
					batch = append(batch, record)
				default:
					flush()
					return
				}
			}
		}
	}
}

// writeBatch 在单个事务内写入一批记录
func (ut *UsageTracker) writeBatch(batch []RequestRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := ut.adapter.GetDB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO request_logs
			(request_id, created_at, model, tier, status, attempts, duration_ms,
			 prompt_tokens, completion_tokens, total_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range batch {
		if _, err := stmt.ExecContext(ctx,
			r.RequestID, r.Timestamp, r.Model, r.Tier, r.Status, r.Attempts,
			r.DurationMs, r.PromptTokens, r.CompletionTokens, r.TotalTokens); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert record: %w", err)
		}
	}

	return tx.Commit()
}

// Close 停止跟踪器，刷出剩余记录并关闭数据库
func (ut *UsageTracker) Close() error {
	ut.cancel()
	ut.wg.Wait()
	return ut.adapter.Close()
}
