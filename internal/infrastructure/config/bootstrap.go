package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Bootstrap ensures the ~/.gravitygate directory exists with default content.
// Called once at startup. Safe to call multiple times — only creates missing items.
func Bootstrap(logger *zap.Logger) error {
	root := globalDir()

	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("create dir %s: %w", root, err)
	}

	// Default files — only written if they don't already exist (never overwrite user edits)
	defaults := map[string]string{
		filepath.Join(root, "config.yaml"):   defaultConfig,
		filepath.Join(root, "accounts.yaml"): defaultAccounts,
	}

	created := 0
	for path, content := range defaults {
		if _, err := os.Stat(path); err == nil {
			continue // Already exists, skip
		}
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			logger.Warn("Failed to write default file", zap.String("path", path), zap.Error(err))
			continue
		}
		created++
	}

	if created > 0 {
		logger.Info("GravityGate bootstrap complete",
			zap.String("home", root),
			zap.Int("files_created", created),
		)
	} else {
		logger.Debug("GravityGate home directory OK", zap.String("home", root))
	}

	return nil
}

// ──────────────────────────────────────────────────────────────
// Embedded default file contents
// ──────────────────────────────────────────────────────────────

const defaultConfig = `# ═══════════════════════════════════════════════════════════════
# GravityGate Configuration / GravityGate 配置文件
# Auto-generated on first launch — feel free to edit
# 首次启动自动生成 — 可自由编辑
# ═══════════════════════════════════════════════════════════════

# ─── Server / 服务监听 ───────────────────────────────────────
server:
  host: 0.0.0.0
  port: 8045

# ─── Upstream / 上游服务 ─────────────────────────────────────
# OAuth2 client credentials are required for token refresh.
# 令牌刷新需要 OAuth2 客户端凭据。
upstream:
  base_url: https://cloudcode-pa.googleapis.com/v1internal
  token_url: https://oauth2.googleapis.com/token
  client_id: ""
  client_secret: ""
  request_timeout: 300s
  signature_group: ""          # Signature cache partition / 签名缓存分组 (空=共享)

# ─── Models / 模型路由 ───────────────────────────────────────
# Client model names are mapped to upstream models; unmapped names
# pass through unchanged, empty names fall back to default.
# 客户端模型名映射到上游模型；未映射的原样透传，空名回退默认值。
models:
  default: gemini-3-flash
  mappings: {}
  # mappings:
  #   claude-sonnet-4-5: gemini-3-pro
  limits: {}
  # limits:
  #   gemini-3-pro: 1000000    # Context window for compression / 压缩用上下文窗口

# ─── Accounts / 账号池 ───────────────────────────────────────
accounts:
  path: ~/.gravitygate/accounts.yaml
  watch: true                  # Hot-reload on file change / 文件变更热加载

# ─── Load Balancer / 负载均衡 ────────────────────────────────
load_balancer:
  strategy: roundRobin         # roundRobin | fillFirst
  default_rate_limit_duration: 1m

# ─── Retry / 重试 ────────────────────────────────────────────
retry:
  max_auth_retries: 1          # 401 retries after refresh / 401 后刷新重试次数
  auto_refresh_token: true

# ─── Signature Cache / 签名缓存 ──────────────────────────────
signature_cache:
  ttl: 1h
  max_entries: 10000
  cleanup_interval: 5m

# ─── Compression / 上下文压缩 ────────────────────────────────
# Thresholds are percentages of the model's context window.
# 阈值为模型上下文窗口的百分比。
compression:
  layer1_threshold: 60.0
  layer2_threshold: 75.0
  layer3_threshold: 90.0
  keep_last_tool_rounds: 5
  protected_last_n: 4

# ─── Database / 数据库 ───────────────────────────────────────
# Hourly usage aggregation storage.
# 小时级用量聚合存储。
database:
  type: sqlite                 # sqlite | postgres
  dsn: ~/.gravitygate/usage.db

# ─── Logging / 日志 ──────────────────────────────────────────
log:
  level: info                  # debug | info | warn | error
  format: json                 # console | json
`

const defaultAccounts = `# GravityGate account pool / GravityGate 账号池
# Written by the external login flow; each entry needs email + refresh_token.
# 由外部登录流程写入；每个条目至少包含 email 和 refresh_token。
#
# accounts:
#   - email: someone@example.com
#     access_token: ""
#     refresh_token: "1//..."
#     expiry: 2026-01-01T00:00:00Z
accounts: []
`
