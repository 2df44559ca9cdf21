package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/qamon/qamon/internal/config"
)

// Candidates beyond this are never shown to the model; recency bias is
// deliberate.
const maxSimilarCandidates = 10

const (
	questionPrompt = `Analyze if this message is a question seeking information or help.

Consider:
- Direct questions (ends with "?")
- Implicit questions ("how do I...", "what is...", "can someone help...")
- Requests for information or assistance
- Troubleshooting requests

Return ONLY a JSON object:
{"is_question": true/false, "confidence": 0.0-1.0, "question_type": "direct/implicit/help_request/none"}`

	answerPrompt = `Analyze if the potential answer addresses the given question.

Consider:
- Direct answers that provide the requested information
- Partial answers that address part of the question
- Helpful responses that move toward a solution
- Context and conversational flow

Return ONLY a JSON object:
{"is_answer": true/false, "confidence": 0.0-1.0, "answer_quality": "direct/partial/helpful/irrelevant"}`

	similarPrompt = `Analyze if the new question is similar to any existing questions.
Look for:
- Same topic/subject matter
- Follow-up questions to the same issue
- Rephrased versions of the same question
- Related questions that could be clustered together

Return ONLY a JSON object:
{"is_similar": true/false, "similarity_score": 0.0-1.0, "question_id": id_number_or_null}

Use high similarity threshold (0.8+) for true matches.`

	generalizePrompt = `Create a generalized question that covers both the original and new question.
The generalized version should:
- Capture the core intent of both questions
- Be more broadly applicable
- Remove specific details that make it too narrow
- Maintain the essential information need

Return ONLY a JSON object:
{"generalized_text": "generalized question", "covers_both": true/false}`
)

// Client is the classifier oracle. Implementations must be safe to call from
// a single worker goroutine; they hold no state between calls.
type Client interface {
	IsQuestion(ctx context.Context, text string) (*QuestionResult, error)
	IsAnswer(ctx context.Context, question, candidate, chatContext string) (*AnswerResult, error)
	FindSimilar(ctx context.Context, newText string, candidates []Candidate) (*SimilarResult, error)
	Generalize(ctx context.Context, original, latest string) (*GeneralizeResult, error)
}

type httpClient struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
}

func NewClient(cfg config.OracleConfig) Client {
	return &httpClient{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Schema mismatches decode into the zero value of each result type, which is
// already the negative classification, so a malformed-but-JSON reply
// degrades to "no" rather than an error.

func (c *httpClient) IsQuestion(ctx context.Context, text string) (*QuestionResult, error) {
	resp, err := c.complete(ctx, questionPrompt, "Message: "+text, 0.1)
	if err != nil {
		return nil, fmt.Errorf("is question: %w", err)
	}
	out := &QuestionResult{QuestionType: "none"}
	if err := json.Unmarshal([]byte(resp), out); err != nil {
		return &QuestionResult{QuestionType: "none"}, nil
	}
	return out, nil
}

func (c *httpClient) IsAnswer(ctx context.Context, question, candidate, chatContext string) (*AnswerResult, error) {
	user := fmt.Sprintf("Question: %s\n\nPotential Answer: %s", question, candidate)
	if chatContext != "" {
		user += "\n\nContext: " + chatContext
	}
	resp, err := c.complete(ctx, answerPrompt, user, 0.1)
	if err != nil {
		return nil, fmt.Errorf("is answer: %w", err)
	}
	out := &AnswerResult{AnswerQuality: "irrelevant"}
	if err := json.Unmarshal([]byte(resp), out); err != nil {
		return &AnswerResult{AnswerQuality: "irrelevant"}, nil
	}
	return out, nil
}

func (c *httpClient) FindSimilar(ctx context.Context, newText string, candidates []Candidate) (*SimilarResult, error) {
	if len(candidates) == 0 {
		return &SimilarResult{}, nil
	}
	if len(candidates) > maxSimilarCandidates {
		candidates = candidates[:maxSimilarCandidates]
	}

	var sb strings.Builder
	for _, cand := range candidates {
		fmt.Fprintf(&sb, "ID: %d - %s\n", cand.ID, cand.Text)
	}
	user := fmt.Sprintf("New Question: %s\n\nExisting Questions:\n%s", newText, sb.String())

	resp, err := c.complete(ctx, similarPrompt, user, 0.2)
	if err != nil {
		return nil, fmt.Errorf("find similar: %w", err)
	}
	out := &SimilarResult{}
	if err := json.Unmarshal([]byte(resp), out); err != nil {
		return &SimilarResult{}, nil
	}
	return out, nil
}

func (c *httpClient) Generalize(ctx context.Context, original, latest string) (*GeneralizeResult, error) {
	user := fmt.Sprintf("Original Question: %s\n\nNew Related Question: %s", original, latest)
	resp, err := c.complete(ctx, generalizePrompt, user, 0.2)
	if err != nil {
		return nil, fmt.Errorf("generalize: %w", err)
	}
	out := &GeneralizeResult{}
	if err := json.Unmarshal([]byte(resp), out); err != nil {
		return &GeneralizeResult{GeneralizedText: original}, nil
	}
	return out, nil
}

func (c *httpClient) complete(ctx context.Context, system, user string, temperature float64) (string, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return "", fmt.Errorf("missing oracle api key")
	}
	if c.baseURL == "" {
		return "", fmt.Errorf("missing oracle base url")
	}

	body := map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
		"max_tokens":  c.maxTokens,
		"temperature": temperature,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("oracle http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("empty choices in response")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("empty content in response")
	}
	return stripFences(content), nil
}

// stripFences removes a surrounding markdown code fence that some models wrap
// around JSON replies.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```json") {
		s = s[len("```json"):]
	} else if strings.HasPrefix(s, "```") {
		s = s[len("```"):]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
