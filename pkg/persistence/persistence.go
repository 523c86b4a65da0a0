// Package persistence 以 JSON 文件保存小型状态（会话快照等）
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/pkg/errors"

	"github.com/betbot/solbot/pkg/logger"
)

// Service 按 (prefix, id) 创建存储
type Service interface {
	NewStore(prefix, id string) Store
}

// Store 单个 JSON 文档
type Store interface {
	Save(data interface{}) error
	Load(data interface{}) error
	Delete() error
}

var (
	// ErrNotExists 文档不存在
	ErrNotExists = fmt.Errorf("persistence data not exists")
	// ErrCorrupt 主文件和备份都无法解析
	ErrCorrupt = fmt.Errorf("persistence data corrupt")
)

// JSONFileService 文件都放在 baseDir 下
type JSONFileService struct {
	baseDir string
}

func NewJSONFileService(baseDir string) *JSONFileService {
	return &JSONFileService{baseDir: baseDir}
}

func (s *JSONFileService) NewStore(prefix, id string) Store {
	key := fmt.Sprintf("%s:%s", prefix, id)
	safe := keySanitizer.ReplaceAllString(key, "_")
	return &JSONFileStore{
		dir:  s.baseDir,
		key:  key,
		path: filepath.Join(s.baseDir, safe+".json"),
	}
}

// JSONFileStore 写入时保留上一版为 .bak；主文件损坏时从 .bak 读取
type JSONFileStore struct {
	dir  string
	key  string
	path string
}

var keySanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func (s *JSONFileStore) backupPath() string { return s.path + ".bak" }

// Save 先写临时文件再 rename
func (s *JSONFileStore) Save(data interface{}) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrap(err, "mkdir")
	}
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "marshal %s", s.key)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}
	if _, err := os.Stat(s.path); err == nil {
		if err := os.Rename(s.path, s.backupPath()); err != nil {
			logger.Warnf("[persistence] 备份 %s 失败: %v", s.key, err)
		}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrapf(err, "rename %s", s.path)
	}
	logger.Debugf("[persistence] 已保存 %s (%d bytes)", s.key, len(b))
	return nil
}

// Load 读取主文件；主文件缺失或损坏时尝试备份
func (s *JSONFileStore) Load(data interface{}) error {
	err := readJSON(s.path, data)
	if err == nil || errors.Is(err, ErrNotExists) && !exists(s.backupPath()) {
		return err
	}
	logger.Warnf("[persistence] %s 读取失败 (%v)，尝试备份", s.key, err)
	if berr := readJSON(s.backupPath(), data); berr != nil {
		if errors.Is(err, ErrNotExists) && errors.Is(berr, ErrNotExists) {
			return ErrNotExists
		}
		return errors.Wrapf(ErrCorrupt, "%s: %v", s.key, err)
	}
	return nil
}

// Delete 删除主文件和备份；不存在不算错误
func (s *JSONFileStore) Delete() error {
	for _, p := range []string{s.path, s.backupPath()} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove %s", p)
		}
	}
	return nil
}

func readJSON(path string, data interface{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotExists
		}
		return err
	}
	if len(b) == 0 {
		return ErrNotExists
	}
	return json.Unmarshal(b, data)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
