package malloc

import "sync/atomic"
import "unsafe"

import "github.com/bnclabs/golog"

// Oomhandler invoked by checked entry points when allocation fails.
// The handler shall not return, the default panics with
// ErrorOutofMemory after logging the failed size.
type Oomhandler func(size int64)

var oomhandler unsafe.Pointer // *Oomhandler

func init() {
	Setoomhandler(func(size int64) {
		log.Errorf("allocation of %v bytes failed\n", size)
		panic(ErrorOutofMemory)
	})
}

// Setoomhandler install a process-wide out-of-memory handler.
func Setoomhandler(fn Oomhandler) {
	atomic.StorePointer(&oomhandler, unsafe.Pointer(&fn))
}

func oomabort(size int64) {
	fn := (*Oomhandler)(atomic.LoadPointer(&oomhandler))
	(*fn)(size)
	panic(ErrorOutofMemory) // handler returned, fail hard anyway
}
