package generation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPProvider forwards generation requests to an LLM-gateway-compatible
// streaming HTTP endpoint (NDJSON or text/event-stream).
type HTTPProvider struct {
	url          string
	client       *http.Client
	streamStrict bool
}

func NewHTTPProvider(url string) *HTTPProvider {
	return NewHTTPProviderWithOptions(url, false)
}

func NewHTTPProviderWithOptions(url string, streamStrict bool) *HTTPProvider {
	return &HTTPProvider{
		url:          strings.TrimSpace(url),
		streamStrict: streamStrict,
		client:       &http.Client{Timeout: 60 * time.Second},
	}
}

type httpRequestBody struct {
	UserID    string   `json:"user_id"`
	SessionID string   `json:"session_id"`
	TurnID    string   `json:"turn_id"`
	Prompt    string   `json:"prompt"`
	Summaries []string `json:"summaries,omitempty"`
}

func (p *HTTPProvider) StreamGenerate(ctx context.Context, req Request, onToken TokenHandler) (Response, error) {
	body := httpRequestBody{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		TurnID:    req.TurnID,
		Prompt:    BuildPrompt(req),
		Summaries: req.Summaries,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := p.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Response{}, fmt.Errorf("generation http status %d: %s", res.StatusCode, string(body))
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/event-stream") {
		return p.consumeSSE(res.Body, onToken)
	}
	if strings.Contains(ct, "application/x-ndjson") || strings.Contains(ct, "application/ndjson") {
		return p.consumeNDJSON(res.Body, onToken)
	}

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		text := strings.TrimSpace(string(raw))
		if text == "" {
			return Response{}, nil
		}
		if onToken != nil {
			if err := onToken(text); err != nil {
				return Response{}, err
			}
		}
		return Response{Text: text}, nil
	}
	text := extractText(obj)
	if text != "" && onToken != nil {
		if err := onToken(text); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: text}, nil
}

func (p *HTTPProvider) consumeNDJSON(body io.Reader, onToken TokenHandler) (Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		delta, ok, done, err := p.streamDelta(line)
		if err != nil {
			return Response{}, err
		}
		if done {
			return Response{Text: out.String()}, nil
		}
		if !ok {
			continue
		}
		out.WriteString(delta)
		if onToken != nil {
			if err := onToken(delta); err != nil {
				return Response{}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Response{}, fmt.Errorf("stream read: %w", err)
	}
	return Response{Text: out.String()}, nil
}

func (p *HTTPProvider) consumeSSE(body io.Reader, onToken TokenHandler) (Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		out       strings.Builder
		dataLines []string
	)

	flush := func() (bool, error) {
		if len(dataLines) == 0 {
			return false, nil
		}
		payload := strings.Join(dataLines, "\n")
		dataLines = dataLines[:0]
		delta, ok, done, err := p.streamDelta(payload)
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}
		if !ok {
			return false, nil
		}
		out.WriteString(delta)
		if onToken != nil {
			if err := onToken(delta); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			done, err := flush()
			if err != nil {
				return Response{}, err
			}
			if done {
				return Response{Text: out.String()}, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value := line, ""
		if idx := strings.IndexByte(line, ':'); idx >= 0 {
			field, value = line[:idx], strings.TrimPrefix(line[idx+1:], " ")
		}
		if field == "data" {
			dataLines = append(dataLines, value)
		}
	}

	done, err := flush()
	if err != nil {
		return Response{}, err
	}
	if done {
		return Response{Text: out.String()}, nil
	}
	if err := scanner.Err(); err != nil {
		return Response{}, fmt.Errorf("stream read: %w", err)
	}
	return Response{Text: out.String()}, nil
}

func (p *HTTPProvider) streamDelta(payload string) (delta string, ok bool, done bool, err error) {
	raw := strings.TrimSpace(payload)
	if raw == "" {
		return "", false, false, nil
	}
	if strings.EqualFold(raw, "[DONE]") {
		return "", false, true, nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err == nil {
		delta = strings.TrimSpace(extractText(obj))
		if delta == "" {
			return "", false, false, nil
		}
		return delta, true, false, nil
	}
	if p.streamStrict {
		return "", false, false, fmt.Errorf("invalid stream payload: %s", summarizePayload(raw))
	}
	return payload, true, false, nil
}

func summarizePayload(p string) string {
	const maxLen = 200
	if len(p) <= maxLen {
		return p
	}
	return p[:maxLen] + "...(truncated)"
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "delta", "output", "message"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
