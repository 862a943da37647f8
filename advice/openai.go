package advice

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sashabaranov/go-openai"
)

const (
	DefaultModel   = openai.GPT4oMini
	DefaultBaseURL = "https://api.openai.com/v1"
)

const systemPrompt = "You are a nutrition coach. Give concise, practical weekly eating advice in plain text."

// OpenAIConfig configures the OpenAI backed advisor.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

type openAIAdvisor struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	now     func() time.Time
}

var _ Advisor = (*openAIAdvisor)(nil)

// NewOpenAIAdvisor returns an Advisor that asks an OpenAI compatible chat
// completion endpoint for advice.
func NewOpenAIAdvisor(cfg OpenAIConfig) (Advisor, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("advice: openai api key is required")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	return &openAIAdvisor{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		now:     time.Now,
	}, nil
}

func prompt(req Request) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write nutrition advice for the week starting %s.", req.Week.Format(time.DateOnly))
	if goal := strings.TrimSpace(req.Goal); goal != "" {
		fmt.Fprintf(&sb, " The user's goal is: %s.", goal)
	}
	return sb.String()
}

func (a *openAIAdvisor) Advise(ctx context.Context, req Request) (Advice, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt(req)},
		},
	})
	if err != nil {
		return Advice{}, errors.Wrap(err, "failed to complete chat")
	}
	if len(resp.Choices) == 0 {
		return Advice{}, errors.New("empty chat response")
	}
	model := resp.Model
	if model == "" {
		model = a.model
	}
	return Advice{
		UserID:    req.UserID,
		Week:      req.Week.Format(time.DateOnly),
		Goal:      req.Goal,
		Text:      strings.TrimSpace(resp.Choices[0].Message.Content),
		Model:     model,
		CreatedAt: a.now().UTC(),
	}, nil
}
