package accountstore

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/ngoclaw/gravitygate/internal/domain/entity"
	"github.com/ngoclaw/gravitygate/internal/domain/repository"
	"github.com/ngoclaw/gravitygate/internal/infrastructure/config"
	domainErrors "github.com/ngoclaw/gravitygate/pkg/errors"
)

// Refresher 封装 OAuth2 refresh token 交换
// 同一账号的并发刷新通过账号级锁合并为一次
type Refresher struct {
	store  repository.AccountStore
	oauth  oauth2.Config
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// NewRefresher 创建令牌刷新器
func NewRefresher(store repository.AccountStore, cfg config.UpstreamConfig, logger *zap.Logger) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{
		store: store,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL: cfg.TokenURL,
				// Google token 端点接受表单参数中的客户端凭据
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
		now:    time.Now,
	}
}

// Refresh 刷新账号的 access token 并持久化，返回新令牌
// 在账号锁内重查过期状态，等待中的请求直接复用已刷新的令牌
func (r *Refresher) Refresh(ctx context.Context, account *entity.Account) (string, error) {
	lock := r.lockFor(account.ID)
	lock.Lock()
	defer lock.Unlock()

	// 排队期间其他请求可能已完成刷新，以存储中的状态为准
	if current, ok := r.store.Get(ctx, account.ID); ok {
		account.Token = current.Token
		if !current.Token.IsExpired(r.now()) {
			return current.Token.AccessToken, nil
		}
	}

	if account.Token.RefreshToken == "" {
		return "", domainErrors.NewAuthError("account has no refresh token")
	}

	seed := &oauth2.Token{RefreshToken: account.Token.RefreshToken}
	token, err := r.oauth.TokenSource(ctx, seed).Token()
	if err != nil {
		return "", domainErrors.NewAuthErrorWithCause("failed to refresh access token", err)
	}

	account.Token.AccessToken = token.AccessToken
	account.Token.ExpiresAt = token.Expiry
	// Google 可能轮换 refresh token
	if token.RefreshToken != "" {
		account.Token.RefreshToken = token.RefreshToken
	}

	if err := r.store.Upsert(ctx, account); err != nil {
		// 刷新已成功，持久化失败不阻断当前请求
		r.logger.Warn("Failed to persist refreshed token",
			zap.String("email", account.Email),
			zap.Error(err),
		)
	}

	r.logger.Info("Access token refreshed",
		zap.String("email", account.Email),
		zap.Time("expiry", token.Expiry),
	)
	return token.AccessToken, nil
}

// lockFor 返回账号专属锁，首次使用时创建
func (r *Refresher) lockFor(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[id] = lock
	}
	return lock
}
