package store

import (
	"context"

	"kodu/pkg/model"
)

// Store 定义了 Study 元数据的持久化需求
// FileStore / EtcdStore 都实现它，调度器和 Study 服务只依赖接口
type Store interface {
	// Create 名称已存在时返回 Conflict
	Create(ctx context.Context, study model.Study) (model.Study, error)

	// GetByName 不存在时返回 NotFound
	GetByName(ctx context.Context, name string) (model.Study, error)

	// GetAll 按创建时间排序
	GetAll(ctx context.Context) ([]model.Study, error)

	// Activate / Pause 切换状态，重复调用是幂等的
	Activate(ctx context.Context, name string) (model.Study, error)
	Pause(ctx context.Context, name string) (model.Study, error)

	Close() error
}
