package models

// HourlyUsageModel 小时级用量聚合行
// 复合主键 (小时桶, 账号, 模型),一行即一个聚合单元
type HourlyUsageModel struct {
	HourBucket   int64  `gorm:"primaryKey;autoIncrement:false"`
	AccountEmail string `gorm:"primaryKey;size:255"`
	ModelName    string `gorm:"primaryKey;size:128"`
	InputTokens  int64  `gorm:"not null;default:0"`
	OutputTokens int64  `gorm:"not null;default:0"`
	RequestCount int64  `gorm:"not null;default:0"`
}

// TableName 指定表名
func (HourlyUsageModel) TableName() string {
	return "hourly_usage"
}
