package knowledge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider 根据风险等级与标的检索策略要点。
type Provider interface {
	Query(riskLevel, asset string) []Snippet
}

// Snippet 描述一条可供大模型参考的交易策略要点。
type Snippet struct {
	Title    string   `json:"title" yaml:"title"`
	Content  string   `json:"content" yaml:"content"`
	Keywords []string `json:"keywords" yaml:"keywords"`
	Tags     []string `json:"tags" yaml:"tags"`
}

// StaticProvider 基于静态文件提供策略检索。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态策略库实例。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{
		items:      items,
		maxResults: maxResults,
	}
}

// LoadStaticProvider 从 JSON 或 YAML 文件加载策略条目。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("策略库文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析策略库路径失败: %w", err)
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取策略库文件失败: %w", err)
	}

	// JSON 是 YAML 的子集，同一个解码器即可处理两种格式。
	var entries []Snippet
	if err := yaml.Unmarshal(content, &entries); err != nil {
		return nil, fmt.Errorf("解析策略库文件失败: %w", err)
	}

	return NewStaticProvider(entries, maxResults), nil
}

// Query 返回关键词匹配标的或标签匹配风险等级的条目。没有关键词与标签的条目总是命中。
func (p *StaticProvider) Query(riskLevel, asset string) []Snippet {
	if p == nil {
		return nil
	}

	riskLevel = normalize(riskLevel)
	asset = normalize(asset)

	results := make([]Snippet, 0, p.maxResults)
	for _, item := range p.items {
		if matches(item, riskLevel, asset) {
			results = append(results, item)
			if len(results) >= p.maxResults {
				break
			}
		}
	}
	return results
}

func matches(snippet Snippet, riskLevel, asset string) bool {
	if len(snippet.Keywords) == 0 && len(snippet.Tags) == 0 {
		return true
	}
	for _, keyword := range snippet.Keywords {
		if k := normalize(keyword); k != "" && k == asset {
			return true
		}
	}
	for _, tag := range snippet.Tags {
		if t := normalize(tag); t != "" && t == riskLevel {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

var _ Provider = (*StaticProvider)(nil)
