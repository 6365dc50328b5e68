package history

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/facebookgo/clock"
	"github.com/pkg/errors"
)

// ErrPersist оборачивает ошибку записи журнала в Backend
var ErrPersist = errors.New("history: persist failed")

// Store ограниченный журнал вызовов поверх Backend
type Store struct {
	backend Backend
	clock   clock.Clock
	logger  *slog.Logger
	key     string
	max     int

	mu sync.Mutex
}

// Option настраивает Store
type Option func(*Store)

// WithClock задает источник времени для меток записей
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger задает логгер
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithKey задает ключ хранения вместо StorageKey
func WithKey(key string) Option {
	return func(s *Store) { s.key = key }
}

// NewStore создает журнал поверх backend
func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		clock:   clock.New(),
		logger:  slog.Default(),
		key:     StorageKey,
		max:     MaxEntries,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "history"))
	return s
}

// Load возвращает сохраненный журнал. Отсутствующие или поврежденные данные
// дают пустой журнал, ошибка наружу не возвращается.
func (s *Store) Load() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() []Entry {
	data, err := s.backend.Get(s.key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("history load failed", slog.String("error", err.Error()))
		}
		return []Entry{}
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		s.logger.Warn("history payload is corrupt", slog.String("error", err.Error()))
		return []Entry{}
	}
	if entries == nil {
		return []Entry{}
	}
	if len(entries) > s.max {
		entries = entries[:s.max]
	}
	return entries
}

// Record добавляет запись в начало журнала, удаляя прежнюю запись с тем же
// номером и обрезая журнал до MaxEntries. Нулевой Timestamp заполняется
// текущим временем.
//
// Если сохранить журнал не удалось, возвращается вычисленный журнал и ошибка,
// оборачивающая ErrPersist.
func (s *Store) Record(entry Entry) ([]Entry, error) {
	entry.PhoneNumber = strings.TrimSpace(entry.PhoneNumber)
	if entry.Timestamp == 0 {
		entry.Timestamp = s.clock.Now().UnixMilli()
	}
	if entry.Duration != nil {
		entry.Duration = Seconds(*entry.Duration)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.loadLocked()
	next := make([]Entry, 0, s.max)
	next = append(next, entry)
	for _, e := range current {
		if len(next) == s.max {
			break
		}
		if e.PhoneNumber == entry.PhoneNumber {
			continue
		}
		next = append(next, e)
	}

	data, err := json.Marshal(next)
	if err != nil {
		return next, errors.Wrap(ErrPersist, err.Error())
	}
	if err := s.backend.Put(s.key, data); err != nil {
		s.logger.Error("history persist failed",
			slog.String("number", entry.PhoneNumber),
			slog.String("error", err.Error()))
		return next, errors.Wrap(ErrPersist, err.Error())
	}

	s.logger.Debug("history recorded",
		slog.String("number", entry.PhoneNumber),
		slog.Int("entries", len(next)))
	return next, nil
}

// Clear удаляет журнал
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.Delete(s.key); err != nil {
		return errors.Wrap(ErrPersist, err.Error())
	}
	return nil
}
