package model

import (
	"time"
)

// IndicatorMin и IndicatorMax задают допустимый диапазон значения индикатора.
const (
	IndicatorMin = 0
	IndicatorMax = 100
)

// DefaultIndicatorName используется при миграции персонажей без индикатора.
const DefaultIndicatorName = "Affection"

// DefaultIndicatorValue — стартовое значение индикатора при миграции.
const DefaultIndicatorValue = 50

// DefaultEmotion используется, когда у персонажа нет ни эмоций, ни спрайтов.
const DefaultEmotion = "neutral"

// Character представляет персонажа, с которым ведется диалог
type Character struct {
	ID                string            `json:"id" db:"id"`
	Name              string            `json:"name" db:"name"`
	Personality       string            `json:"personality" db:"personality"`
	VisualDescription string            `json:"visualDescription" db:"visual_description"`
	Greeting          string            `json:"greeting,omitempty" db:"greeting"`
	Emotions          []string          `json:"emotions" db:"emotions"`
	Sprites           map[string]string `json:"sprites" db:"sprites"`
	SceneImageURL     string            `json:"sceneImageUrl,omitempty" db:"scene_image_url"`
	Transform         *Transform        `json:"transform,omitempty" db:"transform"`
	Indicator         Indicator         `json:"indicator" db:"indicator"`
	SystemInstruction string            `json:"systemInstruction,omitempty" db:"system_instruction"`
	CreatedAt         time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time         `json:"updatedAt" db:"updated_at"`
}

// Transform содержит 2D-размещение спрайта. Значения принадлежат UI и
// сохраняются вместе с персонажем как есть.
type Transform struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Scale float64 `json:"scale"`
}

// Indicator представляет ограниченный числовой показатель отношения.
// Единственный легитимный источник изменений — валидированный ответ модели;
// ручное переопределение — отдельный явный путь.
type Indicator struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

// ClampIndicatorValue приводит значение к диапазону [IndicatorMin, IndicatorMax].
func ClampIndicatorValue(v int) int {
	if v < IndicatorMin {
		return IndicatorMin
	}
	if v > IndicatorMax {
		return IndicatorMax
	}
	return v
}

// FallbackEmotion возвращает эмоцию по умолчанию для персонажа —
// первую из объявленного набора.
func (c *Character) FallbackEmotion() string {
	if len(c.Emotions) > 0 {
		return c.Emotions[0]
	}
	return DefaultEmotion
}

// HasEmotion сообщает, объявлена ли эмоция в наборе персонажа.
func (c *Character) HasEmotion(emotion string) bool {
	for _, e := range c.Emotions {
		if e == emotion {
			return true
		}
	}
	return false
}

// GreetingText возвращает явное приветствие персонажа или синтезирует общее.
func (c *Character) GreetingText() string {
	if c.Greeting != "" {
		return c.Greeting
	}
	return "Hi, I'm " + c.Name + "."
}
