package accountstore

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ngoclaw/gravitygate/internal/domain/entity"
	"github.com/ngoclaw/gravitygate/internal/domain/repository"
)

// accountsFile 账号文件的持久化结构
type accountsFile struct {
	Accounts []*entity.Account `yaml:"accounts"`
}

// Store 基于 YAML 文件的账号存储
// 文件由外部登录流程写入，本进程通过原子替换回写令牌更新
type Store struct {
	path   string
	logger *zap.Logger

	mu       sync.RWMutex
	accounts []*entity.Account
	// lastSaved 最近一次自身写入的内容哈希，监视器据此忽略自触发事件
	lastSaved [sha256.Size]byte

	watcher *fsnotify.Watcher
}

var _ repository.AccountStore = (*Store)(nil)

// NewStore 创建账号存储并完成首次加载
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		path:   path,
		logger: logger,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path 返回账号文件路径
func (s *Store) Path() string {
	return s.path
}

// load 从磁盘读取账号文件，文件缺失视为空账号池
// 缺失 ID 的条目在此分配并立即回写，保证 ID 跨进程稳定
func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.accounts = nil
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("failed to read accounts file: %w", err)
	}

	var file accountsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse accounts file: %w", err)
	}

	assigned := false
	accounts := make([]*entity.Account, 0, len(file.Accounts))
	for _, account := range file.Accounts {
		if account == nil {
			continue
		}
		if err := account.Validate(); err != nil {
			s.logger.Warn("Skipping invalid account entry",
				zap.String("email", account.Email),
				zap.Error(err),
			)
			continue
		}
		if account.ID == "" {
			account.ID = uuid.New().String()
			assigned = true
		}
		accounts = append(accounts, account)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = accounts
	if assigned {
		if err := s.saveLocked(); err != nil {
			return err
		}
	}

	s.logger.Info("Accounts loaded",
		zap.String("path", s.path),
		zap.Int("count", len(accounts)),
	)
	return nil
}

// saveLocked 以临时文件加重命名的方式原子写入，权限 0600
// 调用方必须持有 s.mu 写锁
func (s *Store) saveLocked() error {
	out := accountsFile{Accounts: s.accounts}
	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to marshal accounts: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create accounts dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".accounts-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace accounts file: %w", err)
	}

	s.lastSaved = sha256.Sum256(data)
	return nil
}

// Save 将当前内存态写回磁盘
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// List 返回全部账号的深拷贝（含 disabled），调用方可安全修改
func (s *Store) List(ctx context.Context) []*entity.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*entity.Account, 0, len(s.accounts))
	for _, account := range s.accounts {
		out = append(out, account.Clone())
	}
	return out
}

// Get 根据 ID 查找账号
func (s *Store) Get(ctx context.Context, id string) (*entity.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, account := range s.accounts {
		if account.ID == id {
			return account.Clone(), true
		}
	}
	return nil, false
}

// GetByEmail 根据邮箱查找账号
func (s *Store) GetByEmail(ctx context.Context, email string) (*entity.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, account := range s.accounts {
		if account.Email == email {
			return account.Clone(), true
		}
	}
	return nil, false
}

// Upsert 写入账号并持久化，缺失 ID 时分配
func (s *Store) Upsert(ctx context.Context, account *entity.Account) error {
	if account == nil {
		return fmt.Errorf("account is nil")
	}
	if err := account.Validate(); err != nil {
		return err
	}

	dup := account.Clone()
	if dup.ID == "" {
		dup.ID = uuid.New().String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	replaced := false
	for i, existing := range s.accounts {
		if existing.ID == dup.ID {
			s.accounts[i] = dup
			replaced = true
			break
		}
	}
	if !replaced {
		s.accounts = append(s.accounts, dup)
	}

	if err := s.saveLocked(); err != nil {
		return err
	}
	account.ID = dup.ID
	return nil
}

// Remove 删除账号并持久化
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.accounts {
		if existing.ID == id {
			s.accounts = append(s.accounts[:i], s.accounts[i+1:]...)
			return s.saveLocked()
		}
	}
	return entity.ErrAccountNotFound
}

// Reload 丢弃内存态并从磁盘重新加载
func (s *Store) Reload(ctx context.Context) error {
	return s.load()
}

// count 返回当前账号数量
func (s *Store) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}
