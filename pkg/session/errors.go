package session

import "github.com/pkg/errors"

var (
	// ErrRegistrationFailed устройство не смогло зарегистрироваться
	ErrRegistrationFailed = errors.New("registration failed")
	// ErrDevice ошибка уровня устройства
	ErrDevice = errors.New("device error")
	// ErrCall ошибка вызова
	ErrCall = errors.New("call error")
	// ErrSetup не удалось получить токен или создать устройство
	ErrSetup = errors.New("setup failed")

	// ErrNotReady устройство не готово к новому вызову
	ErrNotReady = errors.New("device is not ready")
	// ErrCallInProgress уже есть активный вызов
	ErrCallInProgress = errors.New("call already in progress")
	// ErrNoActiveCall нет активного вызова
	ErrNoActiveCall = errors.New("no active call")
	// ErrNotRinging нет входящего вызова, ожидающего ответа
	ErrNotRinging = errors.New("no ringing incoming call")
	// ErrInvalidNumber пустой или некорректный номер
	ErrInvalidNumber = errors.New("invalid phone number")
	// ErrAlreadyStarted Start вызван повторно
	ErrAlreadyStarted = errors.New("session already started")
	// ErrClosed менеджер закрыт
	ErrClosed = errors.New("session closed")
)

// SetupError ошибка инициализации сессии. Сопоставляется с ErrSetup
// и сохраняет исходную причину для errors.Is/As.
type SetupError struct {
	Cause error
}

func (e *SetupError) Error() string {
	return ErrSetup.Error() + ": " + e.Cause.Error()
}

func (e *SetupError) Unwrap() error {
	return e.Cause
}

func (e *SetupError) Is(target error) bool {
	return target == ErrSetup
}
