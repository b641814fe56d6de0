package history

import (
	"context"
	"sync"
	"time"

	xerrors "AgentFi-Mesh/internal/errors"
)

// MemoryStore 以内存方式保存历史记录，主要用于测试与单机部署。
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append 实现 Store 接口。
func (m *MemoryStore) Append(_ context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if record.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录 ID 不能为空")
	}
	clone := *record
	if record.Evidence != nil {
		clone.Evidence = append([]string(nil), record.Evidence...)
	}
	if clone.CreatedAt == 0 {
		clone.CreatedAt = time.Now().Unix()
	}
	m.mu.Lock()
	m.records = append(m.records, &clone)
	m.mu.Unlock()
	return nil
}

// ListLatest 按时间倒序返回最近的记录。
func (m *MemoryStore) ListLatest(_ context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Record, 0, limit)
	for i := len(m.records) - 1; i >= 0 && len(results) < limit; i-- {
		record := m.records[i]
		clone := *record
		if record.Evidence != nil {
			clone.Evidence = append([]string(nil), record.Evidence...)
		}
		results = append(results, &clone)
	}
	return results, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
