//go:build govips && cgo

package pipeline

import (
	"errors"
	"runtime"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

var errVipsStopped = errors.New("libvips was already shut down")

// libvips may be started once per process; a restart after Shutdown is
// not supported by the library, so the state only moves forward.
var vipsRuntime struct {
	sync.Mutex
	started bool
	stopped bool
}

func Startup() error {
	vipsRuntime.Lock()
	defer vipsRuntime.Unlock()
	if vipsRuntime.started {
		return nil
	}
	if vipsRuntime.stopped {
		return errVipsStopped
	}
	vips.LoggingSettings(nil, vips.LogLevelWarning)
	vips.Startup(&vips.Config{
		ConcurrencyLevel: runtime.GOMAXPROCS(0),
		MaxCacheFiles:    0,
		MaxCacheMem:      64 << 20,
		MaxCacheSize:     50,
	})
	vipsRuntime.started = true
	return nil
}

func Shutdown() {
	vipsRuntime.Lock()
	defer vipsRuntime.Unlock()
	if !vipsRuntime.started {
		return
	}
	vips.Shutdown()
	vipsRuntime.started = false
	vipsRuntime.stopped = true
}

func newCodec() Codec {
	return govipsCodec{}
}
