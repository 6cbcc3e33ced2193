// Package coverletter is the paid service behind the gateway: it writes a
// cover letter from a resume and a job description and mails it to the
// caller.
package coverletter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vitwit/x402-gateway/types"
)

const (
	DefaultOpenAIURL   = "https://api.openai.com/v1"
	DefaultOpenAIModel = "gpt-4o-mini"
)

// Input is the request body of the generate route.
type Input struct {
	Email          string `json:"email" validate:"required,email"`
	JobDescription string `json:"jobDescription" validate:"required,min=50,max=5000"`
	Resume         string `json:"resume" validate:"required,min=100,max=10000"`
	CompanyName    string `json:"companyName,omitempty" validate:"max=200"`
	PositionTitle  string `json:"positionTitle,omitempty" validate:"max=200"`
}

// Generator writes a cover letter. Failures are GenerationError.
type Generator interface {
	Generate(ctx context.Context, in Input) (string, error)
}

type OpenAIConfig struct {
	APIURL string
	APIKey string
	Model  string
}

// OpenAIGenerator calls an OpenAI compatible chat completions endpoint.
type OpenAIGenerator struct {
	client *http.Client
	apiURL string
	apiKey string
	model  string
}

func NewOpenAIGenerator(cfg OpenAIConfig) *OpenAIGenerator {
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = DefaultOpenAIURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAIGenerator{
		client: &http.Client{Timeout: 60 * time.Second},
		apiURL: apiURL,
		apiKey: cfg.APIKey,
		model:  model,
	}
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
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

const systemPrompt = "You are an expert professional cover letter writer with 15 years of experience " +
	"helping candidates land their dream jobs. You write compelling, personalized cover letters that " +
	"highlight candidates' strengths and match them to job requirements."

func (g *OpenAIGenerator) Generate(ctx context.Context, in Input) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model: g.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: Prompt(in)},
		},
		Temperature: 0.7,
		MaxTokens:   1000,
	})
	if err != nil {
		return "", generationError("marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.apiURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", generationError("create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return "", generationError("request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", generationError("unexpected status",
			fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body))))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", generationError("decode response", err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", types.NewError(types.ErrGenerationError, "cover letter generation failed: empty response")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

func generationError(step string, err error) error {
	return types.WrapError(types.ErrGenerationError, "cover letter generation failed: "+step, err)
}

// Prompt renders the single fixed prompt for in.
func Prompt(in Input) string {
	var b strings.Builder
	b.WriteString("You are an expert career coach and professional cover letter writer. ")
	b.WriteString("Generate a compelling, personalized cover letter based on the following information:\n\n")
	b.WriteString("RESUME/CV:\n")
	b.WriteString(in.Resume)
	b.WriteString("\n\nJOB DESCRIPTION:\n")
	b.WriteString(in.JobDescription)
	b.WriteString("\n\n")
	if in.CompanyName != "" {
		fmt.Fprintf(&b, "COMPANY NAME: %s\n", in.CompanyName)
	}
	if in.PositionTitle != "" {
		fmt.Fprintf(&b, "POSITION TITLE: %s\n", in.PositionTitle)
	}
	b.WriteString(`
INSTRUCTIONS:
1. Write a professional, engaging cover letter that highlights the candidate's most relevant experience and skills
2. Match the tone and style to the job description and company culture
3. Open with a strong hook that captures attention
4. Use specific examples from the resume that align with job requirements
5. Show enthusiasm and genuine interest in the role
6. Keep it concise (300-400 words)
7. Use a professional but personable tone
8. Include a clear call to action
9. Format properly with paragraphs and spacing

Generate ONLY the cover letter text without any additional commentary or explanations.`)
	return b.String()
}
