package entity

import (
	"strings"
	"time"
)

// TokenExpiryMargin 判断 access token 过期时的安全余量
const TokenExpiryMargin = 5 * time.Minute

// TokenPair OAuth2 令牌对
type TokenPair struct {
	AccessToken  string    `yaml:"access_token" json:"access_token"`
	RefreshToken string    `yaml:"refresh_token" json:"refresh_token"`
	ExpiresAt    time.Time `yaml:"expiry" json:"expiry"`
}

// IsExpired 按安全余量判断 token 是否需要刷新
// 缺失 access token 或未知过期时间都视为过期
func (t TokenPair) IsExpired(now time.Time) bool {
	if t.AccessToken == "" {
		return true
	}
	if t.ExpiresAt.IsZero() {
		return true
	}
	return !now.Add(TokenExpiryMargin).Before(t.ExpiresAt)
}

// Account 上游账号
// 由外部登录流程写入账号文件，代理只读写其令牌对
type Account struct {
	ID    string    `yaml:"id" json:"id"`
	Email string    `yaml:"email" json:"email"`
	Token TokenPair `yaml:",inline" json:"token"`
	// DeviceProfile 不透明的设备指纹载荷，原样转发，从不解析
	DeviceProfile map[string]interface{} `yaml:"device_profile,omitempty" json:"device_profile,omitempty"`
	Disabled      bool                   `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// Validate 校验账号最低要求
func (a *Account) Validate() error {
	if strings.TrimSpace(a.Email) == "" {
		return ErrAccountMissingEmail
	}
	if a.Token.RefreshToken == "" {
		return ErrAccountMissingRefreshToken
	}
	return nil
}

// Clone 返回账号的深拷贝
func (a *Account) Clone() *Account {
	dup := *a
	if a.DeviceProfile != nil {
		dup.DeviceProfile = make(map[string]interface{}, len(a.DeviceProfile))
		for k, v := range a.DeviceProfile {
			dup.DeviceProfile[k] = v
		}
	}
	return &dup
}
