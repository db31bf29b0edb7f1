package safe

import (
	"PGateway/logger"
	"PGateway/tools/errs"
	"fmt"
	"reflect"
)

// MustNotNil panics if the given value is nil.
// Useful for enforcing required fields during struct initialization.
func MustNotNil(v any, name string) {
	if reflect.ValueOf(v).IsNil() {
		panic(fmt.Sprintf("%s must not be nil", name))
	}
}

// Go starts a new goroutine that recovers from panic,
// so that panics don't crash the entire program.
func Go(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[safe.Go] panic recovered: %v", errs.ErrPanic(r))
			}
		}()
		f()
	}()
}

// Invoke runs a best-effort callback inline. A nil callback is a no-op;
// panics and errors are logged under the given tag and swallowed — the
// caller's own lifecycle must never depend on the callback's outcome.
func Invoke(tag string, f func() error) {
	if f == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[%s] callback panic: %v", tag, errs.ErrPanic(r))
		}
	}()
	if err := f(); err != nil {
		logger.Warnf("[%s] callback error: %v", tag, err)
	}
}
