package model

// Распознаваемые ключи настроек. Помимо них хранилище принимает
// произвольные ключи UI-предпочтений (обычно с префиксом "ui.").
const (
	SettingCredential      = "credential"
	SettingUserName        = "userName"
	SettingUserPersonality = "userPersonality"
)

// Setting представляет одну пару ключ-значение в хранилище настроек
type Setting struct {
	Key   string `json:"key" db:"key"`
	Value string `json:"value" db:"value"`
}
