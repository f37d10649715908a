package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

type reasoningKey struct{}

// reasoningSlot 保存单次请求中 choices[0].message.reasoning_details 的原始 JSON。
type reasoningSlot struct {
	raw json.RawMessage
}

func withReasoningSlot(ctx context.Context) (context.Context, *reasoningSlot) {
	slot := &reasoningSlot{}
	return context.WithValue(ctx, reasoningKey{}, slot), slot
}

// capturingDoer 在 SDK 解码前读取响应体，截取 SDK 不认识的 reasoning_details 字段。
// 只处理携带 reasoningSlot 的请求，响应体会被原样还原。
type capturingDoer struct {
	next openai.HTTPDoer
}

func (d capturingDoer) Do(req *http.Request) (*http.Response, error) {
	resp, err := d.next.Do(req)
	if err != nil {
		return resp, err
	}
	slot, ok := req.Context().Value(reasoningKey{}).(*reasoningSlot)
	if !ok || resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusBadRequest {
		return resp, nil
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	var envelope struct {
		Choices []struct {
			Message struct {
				ReasoningDetails json.RawMessage `json:"reasoning_details"`
			} `json:"message"`
		} `json:"choices"`
	}
	if json.Unmarshal(body, &envelope) == nil && len(envelope.Choices) > 0 {
		if raw := envelope.Choices[0].Message.ReasoningDetails; len(raw) > 0 && string(raw) != "null" {
			slot.raw = raw
		}
	}
	return resp, nil
}

// reasoningDetails 优先返回服务商的 reasoning_details 原文，没有时退回 reasoning_content。
func reasoningDetails(slot *reasoningSlot, content string) json.RawMessage {
	if slot != nil && len(slot.raw) > 0 {
		return slot.raw
	}
	if content == "" {
		return nil
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil
	}
	return raw
}
