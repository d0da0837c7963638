package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vitamin33/agent-poi/internal/protocol"
)

const (
	// PassThreshold is the minimum score that counts as a passed challenge.
	PassThreshold = 50

	cacheTTL      = 24 * time.Hour
	cacheMaxSize  = 500
	maxRetries    = 3
	retryBaseWait = 2 * time.Second
)

// Result is one judged answer.
type Result struct {
	Score       int    `json:"score"`
	Explanation string `json:"explanation"`
	Method      string `json:"method"`
	Cached      bool   `json:"cached,omitempty"`
}

// Passed reports whether the score clears the challenge threshold.
func (r Result) Passed() bool { return r.Score >= PassThreshold }

type cacheEntry struct {
	result Result
	at     time.Time
}

// Judge scores answers against reference answers. With an API key it asks
// an LLM and falls back to fuzzy matching on any failure; without one it is
// fuzzy only. Results are cached because evaluation questions repeat.
type Judge struct {
	provider string
	model    string
	apiKey   string
	baseURL  string
	enabled  bool
	rotator  *KeyRotator
	client   *http.Client
	logger   *slog.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type Params struct {
	Provider string
	Model    string
	APIKey   string
	// BaseURL overrides the provider endpoint, mainly for tests.
	BaseURL string
	Enabled bool
	Rotator *KeyRotator
	Logger  *slog.Logger
}

func New(p Params) *Judge {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Provider == "" {
		p.Provider = "anthropic"
	}
	j := &Judge{
		provider: p.Provider,
		model:    p.Model,
		apiKey:   p.APIKey,
		baseURL:  p.BaseURL,
		enabled:  p.Enabled,
		rotator:  p.Rotator,
		client:   &http.Client{Timeout: 15 * time.Second},
		logger:   p.Logger,
		now:      time.Now,
		sleep:    sleepCtx,
		cache:    make(map[string]cacheEntry),
	}
	if j.llmAvailable() {
		j.logger.Info("judge initialized",
			slog.String("provider", j.provider),
			slog.String("model", j.model),
		)
	} else {
		j.logger.Info("judge using fuzzy fallback only")
	}
	return j
}

func (j *Judge) llmAvailable() bool {
	return j.enabled && j.activeKey() != ""
}

func (j *Judge) activeKey() string {
	if j.rotator != nil && j.provider == "groq" {
		return j.rotator.CurrentKey()
	}
	return j.apiKey
}

// Judge scores answer against expected for the given question.
func (j *Judge) Judge(ctx context.Context, question, expected, answer string) Result {
	if !j.enabled {
		return Result{Score: 0, Explanation: "Judge disabled", Method: "disabled"}
	}

	key := cacheKey(question, expected, answer)
	if cached, ok := j.cached(key); ok {
		return cached
	}

	if j.llmAvailable() {
		if result, ok := j.judgeWithLLM(ctx, question, expected, answer); ok {
			j.store(key, result)
			return result
		}
		j.logger.Warn("llm judge call failed, falling back to fuzzy matching")
	}

	result := fuzzyScore(expected, answer)
	j.store(key, result)
	return result
}

func cacheKey(question, expected, answer string) string {
	raw := strings.TrimSpace(strings.ToLower(question + "|" + expected + "|" + answer))
	return protocol.SHA256Hex([]byte(raw))
}

func (j *Judge) cached(key string) (Result, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	entry, ok := j.cache[key]
	if !ok {
		return Result{}, false
	}
	if j.now().Sub(entry.at) > cacheTTL {
		delete(j.cache, key)
		return Result{}, false
	}
	result := entry.result
	result.Cached = true
	return result, true
}

func (j *Judge) store(key string, result Result) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cache[key] = cacheEntry{result: result, at: j.now()}
	if len(j.cache) > cacheMaxSize {
		oldestKey := ""
		var oldestAt time.Time
		for k, e := range j.cache {
			if oldestKey == "" || e.at.Before(oldestAt) {
				oldestKey = k
				oldestAt = e.at
			}
		}
		delete(j.cache, oldestKey)
	}
}

func (j *Judge) judgeWithLLM(ctx context.Context, question, expected, answer string) (Result, bool) {
	prompt := buildPrompt(question, expected, answer)

	var lastStatus int
	for attempt := 0; attempt < maxRetries; attempt++ {
		// Rebuild the request each attempt, the key may have rotated.
		url, headers, body := j.buildRequest(prompt)
		text, status, err := j.post(ctx, url, headers, body)
		if err != nil {
			j.logger.Warn("llm judge request failed", slog.String("error", err.Error()))
			return Result{}, false
		}
		if status == http.StatusTooManyRequests {
			j.rotateOn429()
			wait := retryBaseWait * (1 << attempt)
			j.logger.Warn("judge rate limited, retrying",
				slog.Int("attempt", attempt+1),
				slog.Duration("wait", wait),
			)
			if err := j.sleep(ctx, wait); err != nil {
				return Result{}, false
			}
			lastStatus = status
			continue
		}
		if status != http.StatusOK {
			j.logger.Warn("llm judge api error", slog.Int("status", status))
			return Result{}, false
		}
		score, explanation, ok := parseJudgeResponse(text)
		if !ok {
			return Result{}, false
		}
		return Result{Score: score, Explanation: explanation, Method: "llm"}, true
	}
	j.logger.Warn("llm judge exhausted retries", slog.Int("last_status", lastStatus))
	return Result{}, false
}

func (j *Judge) rotateOn429() {
	if j.rotator != nil && j.provider == "groq" {
		j.apiKey = j.rotator.Rotate()
	}
}

func buildPrompt(question, expected, answer string) string {
	return "You are a judge evaluating an AI agent's answer to a knowledge question. " +
		"Score the answer from 0 to 100 based primarily on CORRECTNESS of the core concepts. " +
		"A concise but correct answer should score 70-85. " +
		"Only deduct heavily for factual errors or missing critical information. " +
		"Do NOT penalize for brevity or different phrasing.\n\n" +
		"Question: " + question + "\n" +
		"Reference answer: " + expected + "\n" +
		"Agent's answer: " + answer + "\n\n" +
		"Respond with ONLY valid JSON in this exact format:\n" +
		`{"score": <0-100>, "explanation": "<brief 1-sentence explanation>"}` + "\n" +
		"Do not include any other text."
}

func (j *Judge) buildRequest(prompt string) (string, map[string]string, map[string]any) {
	key := j.activeKey()
	if j.provider == "anthropic" {
		url := j.baseURL
		if url == "" {
			url = "https://api.anthropic.com/v1/messages"
		}
		return url,
			map[string]string{
				"x-api-key":         key,
				"anthropic-version": "2023-06-01",
				"Content-Type":      "application/json",
			},
			map[string]any{
				"model":       j.model,
				"max_tokens":  150,
				"system":      "You are a precise scoring judge. Always respond with valid JSON only.",
				"messages":    []map[string]string{{"role": "user", "content": prompt}},
				"temperature": 0.1,
			}
	}
	url := j.baseURL
	if url == "" {
		if j.provider == "groq" {
			url = "https://api.groq.com/openai/v1/chat/completions"
		} else {
			url = "https://api.openai.com/v1/chat/completions"
		}
	}
	return url,
		map[string]string{
			"Authorization": "Bearer " + key,
			"Content-Type":  "application/json",
		},
		map[string]any{
			"model": j.model,
			"messages": []map[string]string{
				{"role": "system", "content": "You are a precise scoring judge. Always respond with valid JSON only."},
				{"role": "user", "content": prompt},
			},
			"temperature": 0.1,
			"max_tokens":  150,
		}
}

// post sends the request and extracts the assistant text from the provider
// response shape. The returned status lets the caller handle rate limits.
func (j *Judge) post(ctx context.Context, url string, headers map[string]string, body map[string]any) (string, int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return "", 0, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := j.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	buf, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", resp.StatusCode, err
	}
	if resp.StatusCode != http.StatusOK {
		return "", resp.StatusCode, nil
	}

	if j.provider == "anthropic" {
		var parsed struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(buf, &parsed); err != nil || len(parsed.Content) == 0 {
			return "", resp.StatusCode, fmt.Errorf("unexpected anthropic response")
		}
		return parsed.Content[0].Text, resp.StatusCode, nil
	}
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(buf, &parsed); err != nil || len(parsed.Choices) == 0 {
		return "", resp.StatusCode, fmt.Errorf("unexpected completion response")
	}
	return parsed.Choices[0].Message.Content, resp.StatusCode, nil
}

// parseJudgeResponse pulls {"score": n, "explanation": "..."} out of the
// model output, tolerating markdown code fences.
func parseJudgeResponse(text string) (int, string, bool) {
	text = strings.TrimSpace(text)
	if strings.Contains(text, "```") {
		for _, segment := range strings.Split(text, "```") {
			segment = strings.TrimSpace(segment)
			segment = strings.TrimPrefix(segment, "json")
			segment = strings.TrimSpace(segment)
			if strings.HasPrefix(segment, "{") {
				text = segment
				break
			}
		}
	}
	var parsed struct {
		Score       int    `json:"score"`
		Explanation string `json:"explanation"`
	}
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return 0, "", false
	}
	explanation := parsed.Explanation
	if explanation == "" {
		explanation = "No explanation provided"
	}
	return clampScore(parsed.Score), explanation, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
