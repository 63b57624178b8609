package repository

import (
	"context"
	"time"

	"github.com/ngoclaw/gravitygate/internal/domain/entity"
)

// UsageStore 用量存储接口
// Record 从不返回错误：用量记录失败绝不能影响请求处理
type UsageStore interface {
	// Record 以 (小时桶, 账号, 模型) 为键累加一次请求的用量
	Record(ctx context.Context, accountEmail, modelName string, inputTokens, outputTokens int64)

	// HourlyStats 返回 [start, end) 内的小时级聚合
	HourlyStats(ctx context.Context, start, end time.Time) ([]entity.UsageStat, error)

	// DailyStats 按天重新分桶
	DailyStats(ctx context.Context, start, end time.Time) ([]entity.UsageStat, error)

	// WeeklyStats 按周重新分桶
	WeeklyStats(ctx context.Context, start, end time.Time) ([]entity.UsageStat, error)

	// Summary 返回时间窗内的汇总
	Summary(ctx context.Context, start, end time.Time) (*entity.UsageSummary, error)

	// Close 关闭底层存储
	Close() error
}
