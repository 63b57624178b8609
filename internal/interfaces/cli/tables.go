package cli

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/ngoclaw/gravitygate/internal/domain/entity"
)

// account states shown in the accounts table
const (
	stateReady    = "ready"
	stateExpired  = "expired"
	stateDisabled = "disabled"
)

// RenderAccountsTable renders the account pool as a padded table.
func RenderAccountsTable(accounts []*entity.Account, now time.Time) string {
	titleStyle := lipgloss.NewStyle().Foreground(colorCyan).Bold(true)
	headStyle := lipgloss.NewStyle().Foreground(colorGray)
	emailStyle := lipgloss.NewStyle().Foreground(colorWhite)
	dimStyle := lipgloss.NewStyle().Foreground(colorDim)

	var sb strings.Builder
	sb.WriteString(titleStyle.Render("◇ 账号池"))
	sb.WriteString("\n\n")

	if len(accounts) == 0 {
		sb.WriteString(dimStyle.Render("  (空) 先通过登录流程写入 accounts.yaml"))
		sb.WriteString("\n")
		return sb.String()
	}

	emailWidth := len("EMAIL")
	for _, a := range accounts {
		if len(a.Email) > emailWidth {
			emailWidth = len(a.Email)
		}
	}

	sb.WriteString(fmt.Sprintf("  %s  %s  %s\n",
		headStyle.Render(pad("EMAIL", emailWidth)),
		headStyle.Render(pad("STATE", 8)),
		headStyle.Render("EXPIRES"),
	))

	for _, a := range accounts {
		state := stateReady
		stateStyle := lipgloss.NewStyle().Foreground(colorGreen)
		switch {
		case a.Disabled:
			state = stateDisabled
			stateStyle = lipgloss.NewStyle().Foreground(colorGray)
		case a.Token.IsExpired(now):
			state = stateExpired
			stateStyle = lipgloss.NewStyle().Foreground(colorYellow)
		}

		expires := "-"
		if !a.Token.ExpiresAt.IsZero() {
			expires = a.Token.ExpiresAt.UTC().Format("2006-01-02 15:04")
		}

		sb.WriteString(fmt.Sprintf("  %s  %s  %s\n",
			emailStyle.Render(pad(a.Email, emailWidth)),
			stateStyle.Render(pad(state, 8)),
			dimStyle.Render(expires),
		))
	}

	return sb.String()
}

// RenderUsageTable renders per-bucket usage rows.
// by selects the bucket label format: hour, day or week.
func RenderUsageTable(stats []entity.UsageStat, by string) string {
	titleStyle := lipgloss.NewStyle().Foreground(colorCyan).Bold(true)
	headStyle := lipgloss.NewStyle().Foreground(colorGray)
	valueStyle := lipgloss.NewStyle().Foreground(colorWhite)
	dimStyle := lipgloss.NewStyle().Foreground(colorDim)
	numStyle := lipgloss.NewStyle().Foreground(colorGreen)

	var sb strings.Builder
	sb.WriteString(titleStyle.Render("◇ 用量统计"))
	sb.WriteString("\n\n")

	if len(stats) == 0 {
		sb.WriteString(dimStyle.Render("  (该时间窗内无记录)"))
		sb.WriteString("\n")
		return sb.String()
	}

	format := bucketFormat(by)
	bucketWidth := len(format)
	accountWidth := len("ACCOUNT")
	modelWidth := len("MODEL")
	for _, s := range stats {
		if len(s.AccountEmail) > accountWidth {
			accountWidth = len(s.AccountEmail)
		}
		if len(s.ModelName) > modelWidth {
			modelWidth = len(s.ModelName)
		}
	}

	sb.WriteString(fmt.Sprintf("  %s  %s  %s  %s  %s  %s\n",
		headStyle.Render(pad("BUCKET", bucketWidth)),
		headStyle.Render(pad("ACCOUNT", accountWidth)),
		headStyle.Render(pad("MODEL", modelWidth)),
		headStyle.Render(padLeft("REQS", 7)),
		headStyle.Render(padLeft("INPUT", 12)),
		headStyle.Render(padLeft("OUTPUT", 12)),
	))

	for _, s := range stats {
		bucket := time.Unix(s.Bucket, 0).UTC().Format(format)
		sb.WriteString(fmt.Sprintf("  %s  %s  %s  %s  %s  %s\n",
			valueStyle.Render(pad(bucket, bucketWidth)),
			valueStyle.Render(pad(s.AccountEmail, accountWidth)),
			dimStyle.Render(pad(s.ModelName, modelWidth)),
			numStyle.Render(padLeft(formatCount(s.RequestCount), 7)),
			numStyle.Render(padLeft(formatCount(s.InputTokens), 12)),
			numStyle.Render(padLeft(formatCount(s.OutputTokens), 12)),
		))
	}

	return sb.String()
}

// RenderUsageSummary renders window totals plus per-model and per-account breakdowns.
func RenderUsageSummary(sum *entity.UsageSummary) string {
	titleStyle := lipgloss.NewStyle().Foreground(colorCyan).Bold(true)
	labelStyle := lipgloss.NewStyle().Foreground(colorGray)
	valueStyle := lipgloss.NewStyle().Foreground(colorWhite)
	numStyle := lipgloss.NewStyle().Foreground(colorGreen)

	var sb strings.Builder
	sb.WriteString(titleStyle.Render("◇ 用量汇总"))
	sb.WriteString("\n\n")

	window := fmt.Sprintf("%s — %s",
		sum.Start.UTC().Format("2006-01-02 15:04"),
		sum.End.UTC().Format("2006-01-02 15:04"),
	)
	sb.WriteString(fmt.Sprintf("  %s %s\n", labelStyle.Render("窗口:"), valueStyle.Render(window)))
	sb.WriteString(fmt.Sprintf("  %s %s   %s %s   %s %s   %s %s\n",
		labelStyle.Render("请求:"), numStyle.Render(formatCount(sum.Totals.RequestCount)),
		labelStyle.Render("输入:"), numStyle.Render(formatCount(sum.Totals.InputTokens)),
		labelStyle.Render("输出:"), numStyle.Render(formatCount(sum.Totals.OutputTokens)),
		labelStyle.Render("账号:"), numStyle.Render(strconv.Itoa(sum.DistinctAccounts)),
	))

	sb.WriteString("\n")
	sb.WriteString(renderTotalsTable("按模型", sum.ByModel))
	sb.WriteString("\n")
	sb.WriteString(renderTotalsTable("按账号", sum.ByAccount))

	return sb.String()
}

// renderTotalsTable renders one breakdown dimension sorted by request count.
func renderTotalsTable(title string, totals map[string]*entity.UsageTotals) string {
	headStyle := lipgloss.NewStyle().Foreground(colorGray)
	valueStyle := lipgloss.NewStyle().Foreground(colorWhite)
	numStyle := lipgloss.NewStyle().Foreground(colorGreen)
	dimStyle := lipgloss.NewStyle().Foreground(colorDim)

	var sb strings.Builder
	sb.WriteString(headStyle.Render(fmt.Sprintf("  %s", title)))
	sb.WriteString("\n")

	if len(totals) == 0 {
		sb.WriteString(dimStyle.Render("    (无记录)"))
		sb.WriteString("\n")
		return sb.String()
	}

	keys := make([]string, 0, len(totals))
	nameWidth := 0
	for k := range totals {
		keys = append(keys, k)
		if len(k) > nameWidth {
			nameWidth = len(k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := totals[keys[i]], totals[keys[j]]
		if a.RequestCount != b.RequestCount {
			return a.RequestCount > b.RequestCount
		}
		return keys[i] < keys[j]
	})

	for _, k := range keys {
		t := totals[k]
		sb.WriteString(fmt.Sprintf("    %s  %s  %s  %s\n",
			valueStyle.Render(pad(k, nameWidth)),
			numStyle.Render(padLeft(formatCount(t.RequestCount), 7)),
			numStyle.Render(padLeft(formatCount(t.InputTokens), 12)),
			numStyle.Render(padLeft(formatCount(t.OutputTokens), 12)),
		))
	}

	return sb.String()
}

// bucketFormat picks a display format for the aggregation granularity.
func bucketFormat(by string) string {
	switch by {
	case "day", "week":
		return "2006-01-02"
	default:
		return "2006-01-02 15:00"
	}
}

func pad(s string, w int) string {
	return fmt.Sprintf("%-*s", w, s)
}

func padLeft(s string, w int) string {
	return fmt.Sprintf("%*s", w, s)
}

// formatCount renders n with thousands separators.
func formatCount(n int64) string {
	s := strconv.FormatInt(n, 10)
	if len(s) <= 3 {
		return s
	}
	var sb strings.Builder
	pre := len(s) % 3
	if pre > 0 {
		sb.WriteString(s[:pre])
	}
	for i := pre; i < len(s); i += 3 {
		if sb.Len() > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(s[i : i+3])
	}
	return sb.String()
}
