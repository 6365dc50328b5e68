// Package config загружает конфигурацию сервера и софтфона.
//
// Сервер настраивается флагами, которые переопределяются переменными
// окружения. Софтфон читает YAML файл и также принимает переопределения
// из окружения.
package config

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Имена переменных окружения провайдера
const (
	EnvAccountSID  = "TWILIO_ACCOUNT_SID"
	EnvAuthToken   = "TWILIO_AUTH_TOKEN"
	EnvTwiMLAppSID = "TWILIO_TWIML_APP_SID"
	EnvPhoneNumber = "TWILIO_PHONE_NUMBER"
	EnvAPIKey      = "TWILIO_API_KEY"
	EnvAPISecret   = "TWILIO_API_SECRET"
)

// ErrConfigurationMissing не заданы обязательные параметры
var ErrConfigurationMissing = errors.New("configuration missing")

// MissingError перечисляет отсутствующие параметры
type MissingError struct {
	Names []string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("missing required environment variables: %s", strings.Join(e.Names, ", "))
}

// Is позволяет сравнивать с ErrConfigurationMissing
func (e *MissingError) Is(target error) bool {
	return target == ErrConfigurationMissing
}

// Twilio учетные данные провайдера
type Twilio struct {
	AccountSID  string `yaml:"account_sid"`
	AuthToken   string `yaml:"auth_token"`
	TwiMLAppSID string `yaml:"twiml_app_sid"`
	PhoneNumber string `yaml:"phone_number"`
	APIKey      string `yaml:"api_key"`
	APISecret   string `yaml:"api_secret"`
}

// TwilioFromEnv читает учетные данные через getenv
func TwilioFromEnv(getenv func(string) string) Twilio {
	return Twilio{
		AccountSID:  strings.TrimSpace(getenv(EnvAccountSID)),
		AuthToken:   strings.TrimSpace(getenv(EnvAuthToken)),
		TwiMLAppSID: strings.TrimSpace(getenv(EnvTwiMLAppSID)),
		PhoneNumber: strings.TrimSpace(getenv(EnvPhoneNumber)),
		APIKey:      strings.TrimSpace(getenv(EnvAPIKey)),
		APISecret:   strings.TrimSpace(getenv(EnvAPISecret)),
	}
}

// HasAPICredentials true, если заданы ключ и секрет API
func (t Twilio) HasAPICredentials() bool {
	return t.APIKey != "" && t.APISecret != ""
}

// Validate возвращает *MissingError, если нет обязательных значений
func (t Twilio) Validate() error {
	var missing []string
	for _, v := range t.Presence() {
		if v.Required && !v.Set {
			missing = append(missing, v.Name)
		}
	}
	if len(missing) > 0 {
		return &MissingError{Names: missing}
	}
	return nil
}

// VarStatus наличие одного параметра
type VarStatus struct {
	Name     string
	Set      bool
	Required bool
}

// Presence сообщает, какие параметры заданы, не раскрывая значений
func (t Twilio) Presence() []VarStatus {
	return []VarStatus{
		{Name: EnvAccountSID, Set: t.AccountSID != "", Required: true},
		{Name: EnvAuthToken, Set: t.AuthToken != "", Required: true},
		{Name: EnvTwiMLAppSID, Set: t.TwiMLAppSID != "", Required: true},
		{Name: EnvPhoneNumber, Set: t.PhoneNumber != "", Required: true},
		{Name: EnvAPIKey, Set: t.APIKey != ""},
		{Name: EnvAPISecret, Set: t.APISecret != ""},
	}
}
