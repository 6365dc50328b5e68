package session

// Status состояние сессии дозвонщика
type Status string

func (s Status) String() string {
	return string(s)
}

const (
	// Initializing начальное состояние до запроса токена
	Initializing Status = "Initializing"
	// FetchingToken идет запрос токена
	FetchingToken Status = "FetchingToken"
	// RegisteringDevice устройство создано, ожидается регистрация
	RegisteringDevice Status = "RegisteringDevice"
	// Ready устройство зарегистрировано, можно звонить
	Ready Status = "Ready"
	// Calling исходящий вызов отправлен, ответа еще нет
	Calling Status = "Calling"
	// Connected вызов принят, идет разговор
	Connected Status = "Connected"
	// IncomingRinging поступил входящий вызов
	IncomingRinging Status = "IncomingRinging"
	// Ended последний вызов завершен
	Ended Status = "Ended"
	// RegistrationError регистрация устройства не удалась
	RegistrationError Status = "RegistrationError"
	// DeviceError устройство сообщило об ошибке
	DeviceError Status = "DeviceError"
	// CallError вызов завершился ошибкой
	CallError Status = "CallError"
	// SetupFailed не удалось получить токен или создать устройство
	SetupFailed Status = "SetupFailed"
)

var labels = map[Status]string{
	Initializing:      "Initializing...",
	FetchingToken:     "Fetching token...",
	RegisteringDevice: "Initializing device...",
	Ready:             "Ready",
	Calling:           "Calling...",
	Connected:         "Connected",
	IncomingRinging:   "Incoming call...",
	Ended:             "Call ended",
	RegistrationError: "Registration Error",
	DeviceError:       "Device Error",
	CallError:         "Call Error",
	SetupFailed:       "Setup failed",
}

// Label текст статуса для отображения пользователю
func (s Status) Label() string {
	if l, ok := labels[s]; ok {
		return l
	}
	return string(s)
}

// IsError true для статусов ошибок
func (s Status) IsError() bool {
	switch s {
	case RegistrationError, DeviceError, CallError, SetupFailed:
		return true
	}
	return false
}

// idle статусы, в которых зарегистрированное устройство принимает новый вызов
func (s Status) idle() bool {
	return s == Ready || s == Ended || s == CallError
}

// Direction направление вызова
type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)
