package goroutine

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Logger интерфейс для логирования ошибок
type Logger interface {
	Errorf(format string, args ...interface{})
}

// RecoveryHandler обрабатывает panic в горутинах
type RecoveryHandler struct {
	logger Logger
	wg     sync.WaitGroup
}

// NewRecoveryHandler создает новый обработчик
func NewRecoveryHandler(logger Logger) *RecoveryHandler {
	return &RecoveryHandler{logger: logger}
}

// SafeGo запускает горутину с обработкой panic
func (rh *RecoveryHandler) SafeGo(fn func()) {
	rh.wg.Add(1)
	go func() {
		defer rh.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				rh.logger.Errorf("Panic in goroutine: %v\nStack trace:\n%s", r, debug.Stack())
			}
		}()
		fn()
	}()
}

// SafeGoWithContext запускает горутину с контекстом и обработкой panic
func (rh *RecoveryHandler) SafeGoWithContext(ctx context.Context, fn func(context.Context)) {
	rh.SafeGo(func() { fn(ctx) })
}

// Wait ожидает завершения всех запущенных горутин (используется при остановке и в тестах).
func (rh *RecoveryHandler) Wait() {
	rh.wg.Wait()
}

// Guard запускает функцию только если предыдущий запуск завершён.
type Guard struct {
	running atomic.Bool
}

// TryRun выполняет fn и возвращает true, либо false без запуска, если fn уже выполняется.
func (g *Guard) TryRun(fn func()) bool {
	if !g.running.CompareAndSwap(false, true) {
		return false
	}
	defer g.running.Store(false)
	fn()
	return true
}

// Running сообщает, выполняется ли функция сейчас.
func (g *Guard) Running() bool {
	return g.running.Load()
}

type nopLogger struct{}

func (nopLogger) Errorf(string, ...interface{}) {}

var defaultHandler atomic.Pointer[RecoveryHandler]

func init() {
	defaultHandler.Store(NewRecoveryHandler(nopLogger{}))
}

// SetDefaultLogger заменяет логгер глобального обработчика.
func SetDefaultLogger(logger Logger) {
	defaultHandler.Store(NewRecoveryHandler(logger))
}

// SafeGo - упрощенная функция для запуска безопасной горутины
func SafeGo(fn func()) {
	defaultHandler.Load().SafeGo(fn)
}

// SafeGoWithContext - упрощенная функция для запуска безопасной горутины с контекстом
func SafeGoWithContext(ctx context.Context, fn func(context.Context)) {
	defaultHandler.Load().SafeGoWithContext(ctx, fn)
}
