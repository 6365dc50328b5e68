package session

import "context"

// TokenSource источник токенов для устройства
type TokenSource interface {
	Acquire(ctx context.Context) (string, error)
}

// DeviceEvents обработчики событий устройства.
// Могут вызываться из любой горутины.
type DeviceEvents struct {
	Registered         func()
	RegistrationFailed func(err error)
	Error              func(err error)
	Incoming           func(call Call)
}

// ConnectParams параметры исходящего вызова
type ConnectParams struct {
	// To адрес назначения
	To string
	// Extra дополнительные параметры для провайдера
	Extra map[string]string
}

// Device абстракция клиентского голосового устройства.
//
// Обработчики устанавливаются через Handle до вызова Register.
// Device сам не повторяет регистрацию.
type Device interface {
	Handle(events DeviceEvents)
	Register(ctx context.Context) error
	Connect(ctx context.Context, params ConnectParams) (Call, error)
	Destroy() error
}

// CallEvents обработчики событий вызова
type CallEvents struct {
	Accept     func()
	Disconnect func()
	Error      func(err error)
}

// Call дескриптор одного вызова.
//
// События, возникшие до вызова Handle, не теряются: реализация должна
// доставить их после установки обработчиков.
type Call interface {
	Handle(events CallEvents)
	// Accept принимает входящий вызов
	Accept() error
	// Reject отклоняет входящий вызов
	Reject() error
	Disconnect() error
	Mute(muted bool) error
	// RemoteNumber номер собеседника
	RemoteNumber() string
}

// DeviceFactory создает устройство для полученного токена
type DeviceFactory interface {
	NewDevice(ctx context.Context, token string) (Device, error)
}

// DeviceFactoryFunc адаптер функции к DeviceFactory
type DeviceFactoryFunc func(ctx context.Context, token string) (Device, error)

func (f DeviceFactoryFunc) NewDevice(ctx context.Context, token string) (Device, error) {
	return f(ctx, token)
}
