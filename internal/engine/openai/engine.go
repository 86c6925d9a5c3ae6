// Package openai implements the generation engine against an OpenAI-style
// chat-completions endpoint. One completion is issued per work unit; the
// driver owns all session-store writes around it.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"linkops/internal/generation"
	"linkops/internal/logging"
)

// Config holds the model endpoint settings.
type Config struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

// Engine implements generation.Engine over chat completions.
type Engine struct {
	model  string
	opts   []option.RequestOption
	logger logging.Logger
}

// New creates an engine from config. The API key and model are required.
func New(cfg Config) (*Engine, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key missing; set engine.openai.api_key or LINKOPS_ENGINE_OPENAI_API_KEY")
	}
	if cfg.Model == "" {
		return nil, errors.New("engine model is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Engine{
		model:  cfg.Model,
		opts:   opts,
		logger: logging.NewComponentLogger("OpenAIEngine"),
	}, nil
}

// Generate plans the unit sequence for the subject kind and returns a stream
// that issues one completion per unit as it is consumed.
func (e *Engine) Generate(ctx context.Context, req generation.Request) (generation.Stream, error) {
	plan, err := planFor(req)
	if err != nil {
		return nil, err
	}
	e.logger.Info("Planned %d completion steps for %s", len(plan.steps), req.SubjectKey)
	return &completionStream{engine: e, req: req, plan: plan}, nil
}

func (e *Engine) complete(ctx context.Context, system, user string) (string, error) {
	client := openai.NewClient(e.opts...)

	resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(e.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// completionStream walks the plan, issuing one completion per Next call.
// Progress units are interleaved so attached clients see the step names.
type completionStream struct {
	engine    *Engine
	req       generation.Request
	plan      *plan
	step      int
	announced bool
}

func (s *completionStream) Next(ctx context.Context) (generation.Unit, error) {
	if err := ctx.Err(); err != nil {
		return generation.Unit{}, err
	}
	if s.step >= len(s.plan.steps) {
		return generation.Unit{}, io.EOF
	}

	step := s.plan.steps[s.step]
	if !s.announced {
		s.announced = true
		return generation.Unit{Progress: step.progress}, nil
	}
	s.announced = false
	s.step++

	raw, err := s.engine.complete(ctx, s.plan.system, step.prompt(s.req))
	if err != nil {
		return generation.Unit{}, err
	}
	unit, err := step.parse(raw)
	if err != nil {
		return generation.Unit{}, fmt.Errorf("step %q: %w", step.name, err)
	}
	return unit, nil
}

func (s *completionStream) Close() error { return nil }
