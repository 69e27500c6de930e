package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"

	"companion-server/internal/model"
)

// Config содержит конфигурацию для клиента нейросети
type Config struct {
	APIKey     string
	ModelName  string
	BaseURL    string
	Timeout    int
	MaxRetries int
}

// Client предоставляет интерфейс для работы с API нейросети
type Client struct {
	client     *openai.Client
	modelName  string
	timeout    time.Duration
	maxRetries int
	encoder    *tiktoken.Tiktoken
}

// Context хранит состояние диалога на стороне модели: системную инструкцию
// и последовательность реплик. Пересоздается сессией при любом усечении или
// редактировании журнала, чтобы модель опиралась на актуальную историю.
type Context struct {
	Messages []openai.ChatCompletionMessage
}

// TurnCount возвращает число реплик в контексте без системной инструкции
func (c *Context) TurnCount() int {
	n := 0
	for _, m := range c.Messages {
		if m.Role != openai.ChatMessageRoleSystem {
			n++
		}
	}
	return n
}

// New создает новый экземпляр клиента нейросети
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("не указан API ключ")
	}

	if cfg.ModelName == "" {
		cfg.ModelName = "deepseek/deepseek-chat-v3-0324:free"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://openrouter.ai/api/v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	config := openai.DefaultConfig(cfg.APIKey)
	config.BaseURL = cfg.BaseURL

	// Энкодер нужен только для подсчета токенов в логах;
	// без него клиент остается работоспособным
	encoder, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		log.Warn().Err(err).Msg("Не удалось инициализировать tiktoken, подсчет токенов отключен")
		encoder = nil
	}

	return &Client{
		client:     openai.NewClientWithConfig(config),
		modelName:  cfg.ModelName,
		timeout:    time.Duration(cfg.Timeout) * time.Second,
		maxRetries: cfg.MaxRetries,
		encoder:    encoder,
	}, nil
}

// CreateContext строит контекст диалога из системной инструкции и истории.
// Сообщения с sender=system в контекст не попадают — это служебные заметки
// журнала, модель их не видела и видеть не должна.
func (c *Client) CreateContext(systemInstruction string, history []model.Message) *Context {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemInstruction,
	})

	for _, msg := range history {
		switch msg.Sender {
		case model.SenderUser:
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Text,
			})
		case model.SenderAI:
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Text,
			})
		}
	}

	conv := &Context{Messages: messages}
	log.Debug().
		Int("turns", conv.TurnCount()).
		Int("promptTokens", c.countTokens(messages)).
		Msg("Контекст диалога пересоздан")
	return conv
}

// SendTurn отправляет одну реплику пользователя в рамках контекста.
// Пара user/assistant фиксируется в контексте только при успешном ответе,
// поэтому неудачный вызов не искажает историю на стороне модели.
func (c *Client) SendTurn(ctx context.Context, conv *Context, userText string) (string, error) {
	if conv == nil {
		return "", errors.New("контекст диалога не создан")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request := append(make([]openai.ChatCompletionMessage, 0, len(conv.Messages)+1), conv.Messages...)
	request = append(request, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userText,
	})

	attempts := 0
	for attempts < c.maxRetries {
		attempts++

		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       c.modelName,
			Messages:    request,
			Temperature: 0.8,
			MaxTokens:   1024,
			TopP:        0.95,
		})
		if err != nil {
			log.Error().Err(err).Int("attempt", attempts).Msg("Ошибка при вызове CreateChatCompletion")
			if attempts >= c.maxRetries {
				return "", fmt.Errorf("ошибка AI после %d попыток: %w", attempts, err)
			}
			time.Sleep(time.Duration(attempts) * time.Second)
			continue
		}

		if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
			log.Warn().Int("attempt", attempts).Msg("Пустой ответ от AI")
			if attempts >= c.maxRetries {
				return "", errors.New("пустой ответ от API после нескольких попыток")
			}
			time.Sleep(time.Duration(attempts) * time.Second)
			continue
		}

		responseContent := resp.Choices[0].Message.Content
		log.Debug().
			Str("model", c.modelName).
			Int("attempt", attempts).
			Msg("Получен ответ от API:\n" + responseContent)

		// Фиксируем завершенный ход в контексте
		conv.Messages = append(conv.Messages,
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: userText},
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: responseContent},
		)

		return responseContent, nil
	}

	return "", errors.New("не удалось получить ответ от API после нескольких попыток")
}

// countTokens возвращает суммарное число токенов в сообщениях
func (c *Client) countTokens(messages []openai.ChatCompletionMessage) int {
	if c.encoder == nil {
		return 0
	}
	total := 0
	for _, msg := range messages {
		total += len(c.encoder.Encode(msg.Content, nil, nil))
	}
	return total
}
