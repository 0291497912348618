package canvas

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/golang/glog"
)

// shutdown errors raised through a panic are expected and not logged
func isDoneError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrConnClosed)
}

// runs `do` and recovers a panic. Handlers are `func()` or `func(error)`.
// Wraps every subscriber callback and every long running loop.
func HandleError(do func(), handlers ...any) (r any) {
	defer func() {
		r = recover()
		if r == nil {
			return
		}
		err, ok := r.(error)
		if !ok {
			err = fmt.Errorf("%v", r)
		}
		if !isDoneError(err) {
			glog.Warningf("[recover]%s\n%s", err, debug.Stack())
		}
		for _, handler := range handlers {
			switch v := handler.(type) {
			case func():
				v()
			case func(error):
				v(err)
			}
		}
	}()
	do()
	return
}

// runs `do` and logs its duration and error
func TimeWithReturnError[R any](tag string, do func() (R, error)) (R, error) {
	start := time.Now()
	result, err := do()
	millis := float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		glog.Infof("%s (%.2fms) err = %s\n", tag, millis, err)
	} else {
		glog.Infof("%s (%.2fms)\n", tag, millis)
	}
	return result, err
}
