package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ngoclaw/gravitygate/internal/application"
	"github.com/ngoclaw/gravitygate/internal/domain/entity"
	"github.com/ngoclaw/gravitygate/internal/infrastructure/accountstore"
	"github.com/ngoclaw/gravitygate/internal/infrastructure/config"
	"github.com/ngoclaw/gravitygate/internal/infrastructure/logger"
	"github.com/ngoclaw/gravitygate/internal/infrastructure/persistence"
	"github.com/ngoclaw/gravitygate/internal/interfaces/cli"
)

const cliName = "gravityctl"

func main() {
	rootCmd := &cobra.Command{
		Use:   cliName,
		Short: "GravityGate — Claude/OpenAI 协议转换代理",
		Long:  "GravityGate CLI — 管理协议转换代理: 启动服务、查看账号池、统计用量",
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newAccountsCmd())
	rootCmd.AddCommand(newUsageCmd())

	rootCmd.AddCommand(&cobra.Command{
		Use:   "doctor",
		Short: "环境诊断",
		RunE:  runDoctor,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "显示版本",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", cliName, application.Version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ─── Proxy Server Mode ───

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动代理服务",
		Long:  "启动 GravityGate 代理服务, 暴露 Claude Messages 与 OpenAI Chat Completions 两套 HTTP API",
		RunE:  runServe,
	}
	cmd.Flags().Bool("no-banner", false, "不显示启动横幅")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	if noBanner, _ := cmd.Flags().GetBool("no-banner"); !noBanner {
		printBanner(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := application.NewApp(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize application", zap.Error(err))
	}

	if err := app.Start(ctx); err != nil {
		log.Fatal("Failed to start application", zap.Error(err))
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	return nil
}

func printBanner(cfg *config.Config) {
	accounts := 0
	if store, err := accountstore.NewStore(cfg.Accounts.Path, zap.NewNop()); err == nil {
		accounts = len(store.List(context.Background()))
		_ = store.Close()
	}
	fmt.Print(cli.RenderBanner(cli.BannerInfo{
		Version:      application.Version,
		Listen:       cfg.Server.Addr(),
		Upstream:     cfg.Upstream.BaseURL,
		DefaultModel: cfg.Models.Default,
		Accounts:     accounts,
	}, 80))
}

// ─── Accounts ───

func newAccountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "管理上游账号池",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "列出全部账号",
		RunE:  runAccountsList,
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <email>",
		Short: "按邮箱移除账号",
		Args:  cobra.ExactArgs(1),
		RunE:  runAccountsRemove,
	})

	return cmd
}

func openAccountStore() (*accountstore.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	store, err := accountstore.NewStore(cfg.Accounts.Path, zap.NewNop())
	if err != nil {
		return nil, fmt.Errorf("account store: %w", err)
	}
	return store, nil
}

func runAccountsList(cmd *cobra.Command, args []string) error {
	store, err := openAccountStore()
	if err != nil {
		return err
	}
	defer store.Close()

	fmt.Print(cli.RenderAccountsTable(store.List(cmd.Context()), time.Now()))
	return nil
}

func runAccountsRemove(cmd *cobra.Command, args []string) error {
	store, err := openAccountStore()
	if err != nil {
		return err
	}
	defer store.Close()

	email := args[0]
	account, ok := store.GetByEmail(cmd.Context(), email)
	if !ok {
		return fmt.Errorf("account %q not found", email)
	}
	if err := store.Remove(cmd.Context(), account.ID); err != nil {
		return fmt.Errorf("remove account: %w", err)
	}

	fmt.Printf("✓ 已移除账号 %s\n", email)
	return nil
}

// ─── Usage ───

func newUsageCmd() *cobra.Command {
	var days int
	var by string

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "查看用量统计",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsage(cmd, days, by)
		},
	}
	cmd.PersistentFlags().IntVar(&days, "days", 7, "统计最近 N 天")
	cmd.Flags().StringVar(&by, "by", "day", "聚合粒度 (hour|day|week)")

	cmd.AddCommand(&cobra.Command{
		Use:   "summary",
		Short: "时间窗用量汇总",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsageSummary(cmd, days)
		},
	})

	return cmd
}

func openUsageStore() (*persistence.GormUsageStore, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	db, err := persistence.NewDBConnection(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	return persistence.NewGormUsageStore(db, zap.NewNop()), nil
}

func runUsage(cmd *cobra.Command, days int, by string) error {
	store, err := openUsageStore()
	if err != nil {
		return err
	}
	defer store.Close()

	end := time.Now()
	start := end.AddDate(0, 0, -days)
	ctx := cmd.Context()

	var stats []entity.UsageStat
	switch by {
	case "hour":
		stats, err = store.HourlyStats(ctx, start, end)
	case "day":
		stats, err = store.DailyStats(ctx, start, end)
	case "week":
		stats, err = store.WeeklyStats(ctx, start, end)
	default:
		return fmt.Errorf("unknown granularity %q (hour|day|week)", by)
	}
	if err != nil {
		return err
	}

	fmt.Print(cli.RenderUsageTable(stats, by))
	return nil
}

func runUsageSummary(cmd *cobra.Command, days int) error {
	store, err := openUsageStore()
	if err != nil {
		return err
	}
	defer store.Close()

	end := time.Now()
	start := end.AddDate(0, 0, -days)

	summary, err := store.Summary(cmd.Context(), start, end)
	if err != nil {
		return err
	}

	fmt.Print(cli.RenderUsageSummary(summary))
	return nil
}

// ─── Doctor ───

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Printf("◇ GravityGate Doctor v%s\n\n", application.Version)

	cfg, cfgErr := config.Load()

	checks := []struct {
		name  string
		check func() (string, bool)
	}{
		{"配置", func() (string, bool) { return checkConfig(cfg, cfgErr) }},
		{"账号文件", func() (string, bool) { return checkAccounts(cfg) }},
		{"数据库", func() (string, bool) { return checkDatabase(cfg) }},
		{"上游地址", func() (string, bool) { return checkUpstream(cfg) }},
	}

	allOK := true
	for _, c := range checks {
		val, ok := c.check()
		icon := "\033[92m✓\033[0m"
		if !ok {
			icon = "\033[91m✗\033[0m"
			allOK = false
		}
		fmt.Printf("  %s %s: %s\n", icon, c.name, val)
	}

	fmt.Println()
	if allOK {
		fmt.Println("所有检查通过 ✓")
	} else {
		fmt.Println("存在问题, 请检查上方标记")
	}
	return nil
}

func checkConfig(cfg *config.Config, err error) (string, bool) {
	if err != nil {
		return err.Error(), false
	}
	return fmt.Sprintf("监听 %s", cfg.Server.Addr()), true
}

func checkAccounts(cfg *config.Config) (string, bool) {
	if cfg == nil {
		return "配置不可用", false
	}
	store, err := accountstore.NewStore(cfg.Accounts.Path, zap.NewNop())
	if err != nil {
		return err.Error(), false
	}
	defer store.Close()

	accounts := store.List(context.Background())
	if len(accounts) == 0 {
		return fmt.Sprintf("%s (空)", cfg.Accounts.Path), false
	}
	return fmt.Sprintf("%s (%d 个账号)", cfg.Accounts.Path, len(accounts)), true
}

func checkDatabase(cfg *config.Config) (string, bool) {
	if cfg == nil {
		return "配置不可用", false
	}
	db, err := persistence.NewDBConnection(&cfg.Database)
	if err != nil {
		return err.Error(), false
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err.Error(), false
	}
	defer sqlDB.Close()
	if err := sqlDB.Ping(); err != nil {
		return err.Error(), false
	}
	return fmt.Sprintf("%s (%s)", cfg.Database.Type, cfg.Database.DSN), true
}

func checkUpstream(cfg *config.Config) (string, bool) {
	if cfg == nil {
		return "配置不可用", false
	}
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Sprintf("无效的 base_url: %q", cfg.Upstream.BaseURL), false
	}
	return cfg.Upstream.BaseURL, true
}
