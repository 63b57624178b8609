package persistence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ngoclaw/gravitygate/internal/domain/entity"
	"github.com/ngoclaw/gravitygate/internal/domain/repository"
	"github.com/ngoclaw/gravitygate/internal/infrastructure/persistence/models"
	domainErrors "github.com/ngoclaw/gravitygate/pkg/errors"
)

// GormUsageStore GORM 实现的用量存储
// 写入走 upsert:同一 (小时桶, 账号, 模型) 的行原地累加
type GormUsageStore struct {
	db     *gorm.DB
	logger *zap.Logger
	mu     sync.Mutex // 串行化写入,sqlite 不擅长并发写
	now    func() time.Time
}

var _ repository.UsageStore = (*GormUsageStore)(nil)

// NewGormUsageStore 创建 GORM 用量存储
func NewGormUsageStore(db *gorm.DB, logger *zap.Logger) *GormUsageStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormUsageStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// Record 以 (小时桶, 账号, 模型) 为键累加一次请求的用量
// 负数修正为 0;失败只记日志,绝不向调用方传播
func (s *GormUsageStore) Record(ctx context.Context, accountEmail, modelName string, inputTokens, outputTokens int64) {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}

	row := &models.HourlyUsageModel{
		HourBucket:   entity.HourBucket(s.now()),
		AccountEmail: accountEmail,
		ModelName:    modelName,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		RequestCount: 1,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "hour_bucket"},
			{Name: "account_email"},
			{Name: "model_name"},
		},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"input_tokens":  gorm.Expr("input_tokens + ?", inputTokens),
			"output_tokens": gorm.Expr("output_tokens + ?", outputTokens),
			"request_count": gorm.Expr("request_count + 1"),
		}),
	}).Create(row).Error
	if err != nil {
		s.logger.Warn("failed to record usage",
			zap.String("account", accountEmail),
			zap.String("model", modelName),
			zap.Error(err))
	}
}

// HourlyStats 返回 [start, end) 内的小时级聚合,按桶升序
func (s *GormUsageStore) HourlyStats(ctx context.Context, start, end time.Time) ([]entity.UsageStat, error) {
	var rows []models.HourlyUsageModel
	err := s.db.WithContext(ctx).
		Where("hour_bucket >= ? AND hour_bucket < ?", start.Unix(), end.Unix()).
		Order("hour_bucket asc, account_email asc, model_name asc").
		Find(&rows).Error
	if err != nil {
		return nil, domainErrors.NewInternalErrorWithCause("failed to query usage stats", err)
	}

	stats := make([]entity.UsageStat, 0, len(rows))
	for _, row := range rows {
		stats = append(stats, toStat(row))
	}
	return stats, nil
}

// DailyStats 按天重新分桶
func (s *GormUsageStore) DailyStats(ctx context.Context, start, end time.Time) ([]entity.UsageStat, error) {
	return s.rebucketedStats(ctx, start, end, entity.DaySeconds)
}

// WeeklyStats 按周重新分桶
func (s *GormUsageStore) WeeklyStats(ctx context.Context, start, end time.Time) ([]entity.UsageStat, error) {
	return s.rebucketedStats(ctx, start, end, entity.WeekSeconds)
}

// rebucketedStats 把小时行对齐到更粗的桶宽后重新聚合,保持桶升序
func (s *GormUsageStore) rebucketedStats(ctx context.Context, start, end time.Time, width int64) ([]entity.UsageStat, error) {
	hourly, err := s.HourlyStats(ctx, start, end)
	if err != nil {
		return nil, err
	}

	type key struct {
		bucket int64
		email  string
		model  string
	}
	merged := make(map[key]*entity.UsageStat, len(hourly))
	order := make([]key, 0, len(hourly))
	for _, stat := range hourly {
		k := key{entity.Rebucket(stat.Bucket, width), stat.AccountEmail, stat.ModelName}
		row, ok := merged[k]
		if !ok {
			row = &entity.UsageStat{Bucket: k.bucket, AccountEmail: k.email, ModelName: k.model}
			merged[k] = row
			order = append(order, k)
		}
		row.InputTokens += stat.InputTokens
		row.OutputTokens += stat.OutputTokens
		row.RequestCount += stat.RequestCount
	}

	stats := make([]entity.UsageStat, 0, len(order))
	for _, k := range order {
		stats = append(stats, *merged[k])
	}
	return stats, nil
}

// Summary 返回时间窗内的汇总:总量、去重账号数、按模型/账号分解
func (s *GormUsageStore) Summary(ctx context.Context, start, end time.Time) (*entity.UsageSummary, error) {
	hourly, err := s.HourlyStats(ctx, start, end)
	if err != nil {
		return nil, err
	}

	summary := &entity.UsageSummary{
		Start:     start,
		End:       end,
		ByModel:   make(map[string]*entity.UsageTotals),
		ByAccount: make(map[string]*entity.UsageTotals),
	}
	for _, stat := range hourly {
		summary.Totals.Add(stat)

		if _, ok := summary.ByModel[stat.ModelName]; !ok {
			summary.ByModel[stat.ModelName] = &entity.UsageTotals{}
		}
		summary.ByModel[stat.ModelName].Add(stat)

		if _, ok := summary.ByAccount[stat.AccountEmail]; !ok {
			summary.ByAccount[stat.AccountEmail] = &entity.UsageTotals{}
		}
		summary.ByAccount[stat.AccountEmail].Add(stat)
	}
	summary.DistinctAccounts = len(summary.ByAccount)
	return summary, nil
}

// Close 关闭底层连接
func (s *GormUsageStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SetClock 注入测试时钟
func (s *GormUsageStore) SetClock(now func() time.Time) {
	s.now = now
}

func toStat(row models.HourlyUsageModel) entity.UsageStat {
	return entity.UsageStat{
		Bucket:       row.HourBucket,
		AccountEmail: row.AccountEmail,
		ModelName:    row.ModelName,
		InputTokens:  row.InputTokens,
		OutputTokens: row.OutputTokens,
		RequestCount: row.RequestCount,
	}
}
