package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"coachchat/internal/config"
	"coachchat/internal/models"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	"google.golang.org/genai"
)

const (
	titleTemperature = 0.5
	titleMaxTokens   = 50
	maxTitleRunes    = 80

	titlePrompt = "\n" +
		"- you will generate a short title based on the first message a user begins a conversation with\n" +
		"- ensure it is not more than 80 characters long\n" +
		"- the title should be a summary of the user's message\n" +
		"- do not use quotes or colons"
)

// ErrEmptyTitle is returned when the model produced nothing usable.
var ErrEmptyTitle = errors.New("generated title is empty")

// Service streams chat completions and names new chats.
type Service struct {
	chatModel  model.ToolCallingChatModel
	titleModel model.ToolCallingChatModel
}

// NewService builds the chat and title models from configuration.
func NewService(ctx context.Context, cfg *config.Config) (*Service, error) {
	chatModel, err := NewChatModel(ctx, cfg.Chat.Provider, cfg.Chat.Model, cfg.Providers[cfg.Chat.Provider])
	if err != nil {
		return nil, err
	}
	titleModel := chatModel
	if cfg.Chat.TitleProvider != cfg.Chat.Provider || cfg.Chat.TitleModel != "" {
		titleModel, err = NewChatModel(ctx, cfg.Chat.TitleProvider, cfg.Chat.TitleModel, cfg.Providers[cfg.Chat.TitleProvider])
		if err != nil {
			return nil, err
		}
	}
	return NewServiceWithModels(chatModel, titleModel), nil
}

// NewServiceWithModels wires prebuilt models. titleModel defaults to chatModel.
func NewServiceWithModels(chatModel, titleModel model.ToolCallingChatModel) *Service {
	if titleModel == nil {
		titleModel = chatModel
	}
	return &Service{chatModel: chatModel, titleModel: titleModel}
}

// NewChatModel creates an eino chat model for one of the supported providers.
func NewChatModel(ctx context.Context, provider, modelName string, provCfg config.ProviderConfig) (model.ToolCallingChatModel, error) {
	if modelName == "" {
		modelName = provCfg.Model
	}
	if modelName == "" {
		return nil, fmt.Errorf("provider %s has no model configured", provider)
	}

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err != nil {
			return nil, errors.Wrap(err, "create gemini client")
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		maxTokens := provCfg.MaxTokens
		if maxTokens <= 0 {
			maxTokens = 3000
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: maxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "init %s chat model", provider)
	}
	return chatModel, nil
}

// StreamChat sends the system prompt plus history to the chat model and
// forwards every content delta to onDelta. It returns the full reply.
func (s *Service) StreamChat(ctx context.Context, system string, history []*models.Message, onDelta func(string) error) (string, error) {
	input := ConvertMessages(system, history)
	if len(input) == 0 {
		return "", errors.New("no messages to send")
	}

	stream, err := s.chatModel.Stream(ctx, input)
	if err != nil {
		return "", errors.Wrap(err, "generate ai stream failed")
	}
	defer stream.Close()

	var full strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return full.String(), errors.Wrap(err, "receive ai stream")
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		full.WriteString(chunk.Content)
		if onDelta != nil {
			if err := onDelta(chunk.Content); err != nil {
				return full.String(), err
			}
		}
	}
	return full.String(), nil
}

// GenerateTitle asks the title model to summarise the first user message.
func (s *Service) GenerateTitle(ctx context.Context, first *models.Message) (string, error) {
	if first == nil {
		return "", ErrEmptyTitle
	}
	payload, err := json.Marshal(struct {
		Role  models.Role          `json:"role"`
		Parts []models.MessagePart `json:"parts"`
	}{first.Role, first.Parts})
	if err != nil {
		return "", errors.Wrap(err, "encode title prompt")
	}

	resp, err := s.titleModel.Generate(ctx, []*schema.Message{
		schema.SystemMessage(titlePrompt),
		schema.UserMessage(string(payload)),
	}, model.WithTemperature(titleTemperature), model.WithMaxTokens(titleMaxTokens))
	if err != nil {
		return "", errors.Wrap(err, "generate title failed")
	}
	title := SanitizeTitle(resp.Content)
	if title == "" {
		return "", ErrEmptyTitle
	}
	return title, nil
}

// SanitizeTitle drops double quotes, backticks and colons, strips single
// quotes wrapping the whole title, and caps the title length. Apostrophes
// inside words are kept.
func SanitizeTitle(title string) string {
	title = strings.NewReplacer(`"`, "", "`", "", "“", "", "”", "", ":", "").Replace(title)
	title = strings.Join(strings.Fields(title), " ")
	title = strings.TrimSpace(strings.Trim(title, "'‘’"))
	if r := []rune(title); len(r) > maxTitleRunes {
		title = strings.TrimSpace(string(r[:maxTitleRunes]))
	}
	return title
}

// ConvertMessages maps stored messages onto eino's schema, system prompt first.
func ConvertMessages(system string, history []*models.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(history)+1)
	if system != "" {
		out = append(out, schema.SystemMessage(system))
	}
	for _, msg := range history {
		text := msg.Text()
		if text == "" {
			continue
		}
		var role schema.RoleType
		switch msg.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		out = append(out, &schema.Message{Role: role, Content: text})
	}
	return out
}
