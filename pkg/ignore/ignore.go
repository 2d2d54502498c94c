package ignore

import (
	"os"
	"path/filepath"

	gitignore "github.com/sabhiram/go-gitignore"
)

// FileName 是导入目录下的用户忽略规则文件
const FileName = ".standbyignore"

// Matcher 判断导入时哪些路径应该跳过
type Matcher struct {
	ignorer *gitignore.GitIgnore
}

// NewMatcher 编译默认规则和 rootPath 下的 .standbyignore (如果存在)
func NewMatcher(rootPath string) (*Matcher, error) {
	// 默认规则总是生效
	defaultRules := []string{
		".standby", // 本地存储目录，导入它会无限递归
		".git",
		FileName,

		// 可能带有 S3 或数据库凭据
		"config.yaml",
		".env",

		".DS_Store",
		"Thumbs.db",
	}

	var ignorer *gitignore.GitIgnore
	var err error

	ignoreFilePath := filepath.Join(rootPath, FileName)
	if _, errStat := os.Stat(ignoreFilePath); errStat == nil {
		ignorer, err = gitignore.CompileIgnoreFileAndLines(ignoreFilePath, defaultRules...)
	} else {
		ignorer = gitignore.CompileIgnoreLines(defaultRules...)
	}
	if err != nil {
		return nil, err
	}

	return &Matcher{ignorer: ignorer}, nil
}

// Matches 报告 path (相对导入根目录，"/" 分隔) 是否应该忽略
func (m *Matcher) Matches(path string) bool {
	if m == nil || m.ignorer == nil {
		return false
	}
	return m.ignorer.MatchesPath(path)
}
