package llm

import "context"

// Request 描述发送给大模型的决策上下文。
type Request struct {
	// Goal 是本次推理要回答的问题。
	Goal string
	// Sections 是按顺序拼接到提示中的上下文段落，例如行情与持仓。
	Sections []Section
	History  []HistoryEntry
	// JSONReply 要求模型只返回一个 JSON 对象作为 reply。
	JSONReply bool
}

// Section 是一段带标题的上下文。
type Section struct {
	Title   string
	Content string
}

// Response 是大模型推理得到的结构化输出。
type Response struct {
	Thought string
	Reply   string
	Model   string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// HistoryEntry 描述了一次过往决策，用于为大模型提供上下文记忆。
type HistoryEntry struct {
	Goal      string
	Reply     string
	CreatedAt int64
}
