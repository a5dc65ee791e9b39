package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "AutoTrader-Chain/internal/errors"
	"AutoTrader-Chain/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
	maxHistory       = 5
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 OpenAI 兼容的大模型接口。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Generate 调用 Chat Completions 生成结构化回复。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "构建 OpenAI 请求失败")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "请求 OpenAI 超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "请求 OpenAI 失败", xerrors.WithRetryable(true))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError
		return nil, xerrors.New(xerrors.CodeCollaboratorFailure,
			fmt.Sprintf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			xerrors.WithRetryable(retryable),
			xerrors.WithMetadata("status", strconv.Itoa(resp.StatusCode)),
		)
	}

	var decoded struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "解析 OpenAI 响应失败")
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeCollaboratorFailure, "OpenAI 响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, xerrors.New(xerrors.CodeCollaboratorFailure, "OpenAI 响应内容为空")
	}

	out := &llm.Response{Reply: content, Model: decoded.Model}
	var structured struct {
		Thought string          `json:"thought"`
		Reply   json.RawMessage `json:"reply"`
	}
	if err := json.Unmarshal([]byte(content), &structured); err == nil && len(structured.Reply) > 0 {
		out.Thought = structured.Thought
		out.Reply = replyText(structured.Reply)
	}
	if out.Model == "" {
		out.Model = c.model
	}
	return out, nil
}

// replyText 把 reply 字段还原为字符串；对象形式的 reply 保持 JSON 原文。
func replyText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func (c *Client) buildPayload(req llm.Request) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	body := map[string]any{
		"model": c.model,
		"messages": []message{
			{Role: "system", Content: systemPrompt(req.JSONReply)},
			{Role: "user", Content: buildUserPrompt(req)},
		},
		"temperature":     0.2,
		"response_format": map[string]string{"type": "json_object"},
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化 OpenAI 请求失败")
	}
	return encoded, nil
}

func systemPrompt(jsonReply bool) string {
	prompt := "You are the reasoning engine of an autonomous trading desk. " +
		"Always respond with a compact JSON object: {\"thought\": string, \"reply\": ...}. " +
		"Summarise your reasoning in \"thought\"."
	if jsonReply {
		prompt += " The \"reply\" field must itself be a JSON object matching the requested schema."
	}
	return prompt
}

func buildUserPrompt(req llm.Request) string {
	var builder strings.Builder
	builder.WriteString("## Goal\n")
	builder.WriteString(strings.TrimSpace(req.Goal))
	builder.WriteString("\n")

	for _, section := range req.Sections {
		content := strings.TrimSpace(section.Content)
		if content == "" {
			continue
		}
		builder.WriteString(fmt.Sprintf("\n## %s\n%s\n", strings.TrimSpace(section.Title), content))
	}

	if len(req.History) > 0 {
		builder.WriteString("\n## Recent decisions\n")
		for idx, entry := range req.History {
			if idx >= maxHistory {
				break
			}
			builder.WriteString(fmt.Sprintf("[%d] %s -> %s\n", idx+1, strings.TrimSpace(entry.Goal), truncate(entry.Reply)))
		}
	}
	return builder.String()
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if len([]rune(text)) > 80 {
		return string([]rune(text)[:80]) + "..."
	}
	return text
}
