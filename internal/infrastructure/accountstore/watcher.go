package accountstore

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounceInterval 文件事件去抖窗口
// 编辑器保存和原子替换通常触发连续多个事件
const debounceInterval = 300 * time.Millisecond

// Watch 监视账号文件变更并自动重载，变更生效后回调 onChange
// 监视目录而非文件本身，原子替换（rename）不会丢失监视点
func (s *Store) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to create accounts dir: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch accounts dir: %w", err)
	}
	s.watcher = watcher

	go func() {
		var debounce *time.Timer
		defer func() {
			if debounce != nil {
				debounce.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !s.isAccountFileEvent(event) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceInterval, func() {
					s.handleFileChange(ctx, onChange)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Error("Accounts watcher error", zap.Error(err))
			}
		}
	}()

	s.logger.Info("Accounts hot-reload watching started",
		zap.String("path", s.path),
	)
	return nil
}

// isAccountFileEvent 过滤出针对账号文件的写入/创建/重命名事件
func (s *Store) isAccountFileEvent(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != filepath.Clean(s.path) {
		return false
	}

	switch {
	case event.Op&fsnotify.Write == fsnotify.Write:
		return true
	case event.Op&fsnotify.Create == fsnotify.Create:
		return true
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		return true
	}
	return false
}

// handleFileChange 在去抖窗口结束后执行重载
// 内容与最近一次自身写入相同的事件被忽略
func (s *Store) handleFileChange(ctx context.Context, onChange func()) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		s.logger.Error("Failed to read accounts file on change", zap.Error(err))
		return
	}

	sum := sha256.Sum256(data)
	s.mu.RLock()
	selfSave := sum == s.lastSaved
	s.mu.RUnlock()
	if selfSave {
		return
	}

	if err := s.Reload(ctx); err != nil {
		s.logger.Error("Failed to reload accounts", zap.Error(err))
		return
	}

	s.logger.Info("Accounts reloaded", zap.Int("count", s.count()))
	if onChange != nil {
		onChange()
	}
}

// Close 停止文件监视
func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
