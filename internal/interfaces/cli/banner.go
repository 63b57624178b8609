package cli

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// brand colors
var (
	colorCyan    = lipgloss.Color("#00D7FF")
	colorDimCyan = lipgloss.Color("#00AFAF")
	colorGray    = lipgloss.Color("#6C6C6C")
	colorWhite   = lipgloss.Color("#FFFFFF")
	colorDim     = lipgloss.Color("#4E4E4E")
	colorGreen   = lipgloss.Color("#00FF87")
	colorYellow  = lipgloss.Color("#FFD75F")
)

// Logo lines — clean block font, no box-drawing corners
var logoLines = []string{
	"  ██████ ██████   █████  ██    ██ ██ ██████ ██    ██",
	" ██      ██   ██ ██   ██ ██    ██ ██   ██    ██  ██ ",
	" ██  ███ ██████  ███████ ██    ██ ██   ██     ████  ",
	" ██   ██ ██  ██  ██   ██  ██  ██  ██   ██      ██   ",
	"  ██████ ██   ██ ██   ██   ████   ██   ██      ██   ",
}

// Gradient colors top→bottom (cyan → blue → violet)
var logoGradient = []lipgloss.Color{
	lipgloss.Color("#00FFFF"),
	lipgloss.Color("#00CFFF"),
	lipgloss.Color("#009FFF"),
	lipgloss.Color("#006FFF"),
	lipgloss.Color("#5F5FFF"),
}

// BannerInfo carries dynamic stats shown in the startup banner
type BannerInfo struct {
	Version      string
	Listen       string
	Upstream     string
	DefaultModel string
	Accounts     int
}

// RenderBanner returns the styled startup banner with gradient logo
func RenderBanner(info BannerInfo, width int) string {
	labelStyle := lipgloss.NewStyle().Foreground(colorGray)
	valueStyle := lipgloss.NewStyle().Foreground(colorWhite)
	tipStyle := lipgloss.NewStyle().Foreground(colorDim)
	greenStyle := lipgloss.NewStyle().Foreground(colorGreen)
	versionStyle := lipgloss.NewStyle().Foreground(colorDimCyan)

	// Render gradient logo
	var logo string
	if width >= 54 {
		for i, line := range logoLines {
			c := logoGradient[i%len(logoGradient)]
			logo += lipgloss.NewStyle().Foreground(c).Bold(true).Render(line) + "\n"
		}
		logo += lipgloss.NewStyle().Foreground(colorDimCyan).Render("  G A T E") + "\n"
	} else {
		// Compact fallback
		logo = lipgloss.NewStyle().Foreground(colorCyan).Bold(true).Render(" ◇  G R A V I T Y G A T E") + "\n"
	}

	ver := versionStyle.Render(fmt.Sprintf("  v%s", info.Version))

	listenLine := fmt.Sprintf("  %s %s",
		labelStyle.Render("Listen  "),
		valueStyle.Render(info.Listen),
	)
	upstreamLine := fmt.Sprintf("  %s %s",
		labelStyle.Render("Upstream"),
		valueStyle.Render(info.Upstream),
	)
	modelLine := fmt.Sprintf("  %s %s",
		labelStyle.Render("Model   "),
		valueStyle.Render(info.DefaultModel),
	)
	accountsLine := fmt.Sprintf("  %s %s",
		labelStyle.Render("Accounts"),
		greenStyle.Render(fmt.Sprintf("%d loaded", info.Accounts)),
	)

	tips := tipStyle.Render("  POST /v1/messages · POST /v1/chat/completions · Ctrl+C 停止")

	return fmt.Sprintf("\n%s%s\n\n%s\n%s\n%s\n%s\n\n%s\n",
		logo, ver,
		listenLine, upstreamLine, modelLine, accountsLine,
		tips,
	)
}
