package prompt

import (
	"strconv"
	"strings"

	"companion-server/internal/model"
)

// Плейсхолдеры, подставляемые в шаблон системной инструкции.
// Подстановка — буквальная глобальная замена токена; условной логики
// и экранирования нет. Токен, для которого нет значения в контексте,
// остается в тексте как есть (известное ограничение движка).
const (
	TokenCharName        = "{{char}}"
	TokenPersonality     = "{{personality}}"
	TokenVisual          = "{{visual}}"
	TokenEmotions        = "{{emotions}}"
	TokenIndicatorName   = "{{indicator_name}}"
	TokenIndicatorValue  = "{{indicator_value}}"
	TokenUserName        = "{{user}}"
	TokenUserPersonality = "{{user_personality}}"
)

// defaultTemplate — встроенный шаблон системной инструкции.
// Модель обязана вернуть единственный JSON-объект ровно с тремя полями.
const defaultTemplate = `You are {{char}}, a character in an ongoing roleplay conversation with {{user}}.

Character personality: {{personality}}
Appearance: {{visual}}

About {{user}}: {{user_personality}}

Stay in character at all times. Never mention that you are an AI or break the fourth wall.

You have a mood score called "{{indicator_name}}", currently {{indicator_value}} out of 100.
Adjust it between 0 and 100 in response to the tone of the interaction: raise it when the
conversation goes well for you, lower it when it goes badly. Small changes are preferred.

For every reply pick exactly one emotion from this list: {{emotions}}.

Respond with a single JSON object and nothing else, with exactly these three fields:
{"dialogue": "<what you say, actions in *asterisks*>", "emotion": "<one emotion from the list>", "indicatorValue": <new {{indicator_name}} value, 0-100>}`

// Context содержит значения для подстановки в шаблон
type Context struct {
	CharName        string
	Personality     string
	Visual          string
	Emotions        []string
	IndicatorName   string
	IndicatorValue  int
	UserName        string
	UserPersonality string
}

// Engine рендерит системную инструкцию из шаблона и контекста
type Engine struct{}

// NewEngine создает новый движок шаблонов
func NewEngine() *Engine {
	return &Engine{}
}

// Render подставляет значения контекста в шаблон. Рендеринг никогда не
// завершается ошибкой: неизвестные токены остаются в тексте буквально.
func (e *Engine) Render(template string, ctx Context) string {
	replacer := strings.NewReplacer(
		TokenCharName, ctx.CharName,
		TokenPersonality, ctx.Personality,
		TokenVisual, ctx.Visual,
		TokenEmotions, strings.Join(ctx.Emotions, ", "),
		TokenIndicatorName, ctx.IndicatorName,
		TokenIndicatorValue, strconv.Itoa(ctx.IndicatorValue),
		TokenUserName, ctx.UserName,
		TokenUserPersonality, ctx.UserPersonality,
	)
	return replacer.Replace(template)
}

// RenderSystemInstruction рендерит действующую инструкцию персонажа:
// пользовательский шаблон, если он задан, иначе встроенный.
func (e *Engine) RenderSystemInstruction(character *model.Character, userName, userPersonality string) string {
	template := character.SystemInstruction
	if template == "" {
		template = defaultTemplate
	}
	if userName == "" {
		userName = "User"
	}

	return e.Render(template, Context{
		CharName:        character.Name,
		Personality:     character.Personality,
		Visual:          character.VisualDescription,
		Emotions:        character.Emotions,
		IndicatorName:   character.Indicator.Name,
		IndicatorValue:  character.Indicator.Value,
		UserName:        userName,
		UserPersonality: userPersonality,
	})
}
