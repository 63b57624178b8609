package repository

import (
	"context"

	"github.com/ngoclaw/gravitygate/internal/domain/entity"
)

// AccountStore 账号存储接口（定义在领域层，实现在基础设施层）
type AccountStore interface {
	// List 返回全部账号（含 disabled）
	List(ctx context.Context) []*entity.Account

	// Get 根据 ID 查找账号
	Get(ctx context.Context, id string) (*entity.Account, bool)

	// GetByEmail 根据邮箱查找账号
	GetByEmail(ctx context.Context, email string) (*entity.Account, bool)

	// Upsert 写入账号并持久化
	Upsert(ctx context.Context, account *entity.Account) error

	// Remove 删除账号并持久化
	Remove(ctx context.Context, id string) error

	// Reload 从持久化层重新加载
	Reload(ctx context.Context) error
}
