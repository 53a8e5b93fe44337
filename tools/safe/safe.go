package safe

import (
	"IMGateway/logger"
)

// Go starts a goroutine that recovers from panic, so a misbehaving
// task cannot take the whole gateway down. Blocking work hopped off a
// connection loop always goes through here.
func Go(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[safe.Go] panic recovered: %v", r)
			}
		}()
		f()
	}()
}
