package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mailsift/mailsift/db"
)

// UnableToAnalyzeSummary is the safe-default summary recorded when the
// classifier backend fails, times out, or returns an unusable response.
const UnableToAnalyzeSummary = "Unable to analyze email content"

// OpenAIClassifier calls an OpenAI-compatible chat-completions backend. Any
// failure, from transport errors to malformed model output, degrades to the
// safe default so a single bad message never aborts an account's run.
type OpenAIClassifier struct {
	baseUrl    string
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewOpenAIClassifier(baseUrl string, apiKey string, model string, timeout time.Duration) *OpenAIClassifier {
	return &OpenAIClassifier{
		baseUrl: strings.TrimRight(baseUrl, "/"),
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *OpenAIClassifier) Classify(ctx context.Context, content ExtractedContent, categories []db.Category) Classification {
	result, err := c.analyze(ctx, content, categories)
	if err != nil {
		slog.Warn("Classifier call failed, using safe default", "error", err)
		return safeDefault()
	}
	return result
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *OpenAIClassifier) analyze(ctx context.Context, content ExtractedContent, categories []db.Category) (Classification, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: buildPrompt(content.BodyText, categories)}},
		Temperature: 0.1,
		MaxTokens:   300,
	})
	if err != nil {
		return Classification{}, fmt.Errorf("failed to marshal classifier request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseUrl+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Classification{}, fmt.Errorf("failed to create classifier request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Classification{}, fmt.Errorf("failed to call classifier backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Classification{}, fmt.Errorf("classifier backend returned status %d", resp.StatusCode)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return Classification{}, fmt.Errorf("failed to decode classifier response: %w", err)
	}
	if len(chat.Choices) == 0 || chat.Choices[0].Message.Content == "" {
		return Classification{}, fmt.Errorf("classifier backend returned no content")
	}

	return parseAnalysis(chat.Choices[0].Message.Content, categories)
}

func buildPrompt(bodyText string, categories []db.Category) string {
	var catalog strings.Builder
	for _, cat := range categories {
		fmt.Fprintf(&catalog, "ID: %s, Name: %s, Description: %s\n", cat.Id, cat.Name, cat.Description)
	}
	return fmt.Sprintf(`Analyze this email and provide:
1. Which category it belongs to (return the category ID, or null if no good match)
2. A brief summary (max 100 words)
3. Any unsubscribe link found in the email

Categories available:
%s
Email content:
%s

Return ONLY a JSON object with this exact structure:
{
  "category_id": "category_id_here_or_null",
  "summary": "brief summary here",
  "unsubscribe_url": "full_url_here_or_null"
}
`, catalog.String(), bodyText)
}

// rawAnalysis is the model's JSON contract. Pointers keep absent and null
// fields distinguishable from empty strings; unknown fields are ignored.
type rawAnalysis struct {
	CategoryId     *string `json:"category_id"`
	Summary        *string `json:"summary"`
	UnsubscribeUrl *string `json:"unsubscribe_url"`
}

func parseAnalysis(raw string, categories []db.Category) (Classification, error) {
	// Models frequently wrap the object in markdown fences. Take the
	// outermost braces rather than trusting the framing.
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return Classification{}, fmt.Errorf("classifier response contains no JSON object")
	}

	var analysis rawAnalysis
	if err := json.Unmarshal([]byte(raw[start:end+1]), &analysis); err != nil {
		return Classification{}, fmt.Errorf("failed to parse classifier response: %w", err)
	}

	result := Classification{}
	if analysis.Summary != nil {
		result.Summary = *analysis.Summary
	}
	if analysis.UnsubscribeUrl != nil && *analysis.UnsubscribeUrl != "null" {
		result.UnsubscribeUrl = *analysis.UnsubscribeUrl
	}
	if analysis.CategoryId != nil && *analysis.CategoryId != "null" {
		result.CategoryId = *analysis.CategoryId
	}

	// A category id outside the supplied snapshot means the backend is
	// misbehaving; treat it the same as no match.
	if result.CategoryId != "" && !validCategory(result.CategoryId, categories) {
		slog.Debug("Classifier returned unknown category id, treating as unmatched",
			"category_id", result.CategoryId)
		result.CategoryId = ""
	}
	return result, nil
}

func validCategory(id string, categories []db.Category) bool {
	for _, cat := range categories {
		if cat.Id == id {
			return true
		}
	}
	return false
}

func safeDefault() Classification {
	return Classification{
		Summary: UnableToAnalyzeSummary,
	}
}
