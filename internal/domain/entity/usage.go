package entity

import "time"

// 用量聚合的桶宽（秒）
const (
	HourSeconds = 3600
	DaySeconds  = 86400
	WeekSeconds = 604800
)

// HourBucket 返回 ts 所在小时桶的起始 Unix 秒
func HourBucket(ts time.Time) int64 {
	return ts.Unix() / HourSeconds * HourSeconds
}

// Rebucket 将小时桶对齐到更粗的桶宽
func Rebucket(hourBucket int64, width int64) int64 {
	return hourBucket / width * width
}

// UsageStat 某 (桶, 账号, 模型) 的聚合用量
type UsageStat struct {
	Bucket       int64  `json:"bucket"`
	AccountEmail string `json:"account_email"`
	ModelName    string `json:"model_name"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	RequestCount int64  `json:"request_count"`
}

// UsageTotals 某维度下的累计量
type UsageTotals struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	RequestCount int64 `json:"request_count"`
}

// Add 叠加一行用量
func (t *UsageTotals) Add(s UsageStat) {
	t.InputTokens += s.InputTokens
	t.OutputTokens += s.OutputTokens
	t.RequestCount += s.RequestCount
}

// UsageSummary 时间窗内的用量汇总
type UsageSummary struct {
	Start            time.Time               `json:"start"`
	End              time.Time               `json:"end"`
	Totals           UsageTotals             `json:"totals"`
	DistinctAccounts int                     `json:"distinct_accounts"`
	ByModel          map[string]*UsageTotals `json:"by_model"`
	ByAccount        map[string]*UsageTotals `json:"by_account"`
}
