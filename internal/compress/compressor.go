package compress

import (
	"context"
	"strings"
)

// 查询与上下文之间的分隔符,便于区分两个片段
const separator = "\n\n### CONTEXT ###\n\n"

// Result 一次压缩的结果
// 只在单次请求生命周期内使用,不落盘
type Result struct {
	Condensed    string
	TokensBefore int
	TokensAfter  int
}

// Compressor 上下文压缩器
// 压缩失败不影响请求成功,调用方需降级为使用原始上下文
type Compressor interface {
	Compress(ctx context.Context, query, history string, topK int) (*Result, error)
}

// CountTokens 按空白切分统计 token 数(全局统一的计数口径)
func CountTokens(s string) int {
	return len(strings.Fields(s))
}

// HeadTailCompressor 保留上下文头尾 token 的朴素压缩器
// 各保留 topK/2 个 token,保证至少留存部分历史
type HeadTailCompressor struct{}

// NewHeadTailCompressor 创建朴素压缩器
func NewHeadTailCompressor() *HeadTailCompressor {
	return &HeadTailCompressor{}
}

// Compress 压缩上下文
// TokensBefore 统计查询+分隔符+上下文的总 token 数,TokensAfter 统计保留下来的上下文 token 数
func (c *HeadTailCompressor) Compress(ctx context.Context, query, history string, topK int) (*Result, error) {
	if topK <= 0 {
		topK = 64
	}

	before := CountTokens(query + separator + history)

	contextTokens := strings.Fields(history)
	if len(contextTokens) <= topK {
		return &Result{
			Condensed:    strings.Join(contextTokens, " "),
			TokensBefore: before,
			TokensAfter:  len(contextTokens),
		}, nil
	}

	// 保留头尾各 topK/2 个 token
	half := topK / 2
	if half < 1 {
		half = 1
	}
	selected := make([]string, 0, half*2)
	selected = append(selected, contextTokens[:half]...)
	selected = append(selected, contextTokens[len(contextTokens)-half:]...)

	return &Result{
		Condensed:    strings.Join(selected, " "),
		TokensBefore: before,
		TokensAfter:  len(selected),
	}, nil
}
