package log

import (
	"sync/atomic"

	"github.com/rs/zerolog"
)

// levelHolder is a zerolog hook that drops events below a runtime-adjustable level.
type levelHolder struct {
	v atomic.Int32
}

func (h *levelHolder) set(l zerolog.Level) { h.v.Store(int32(l)) }

func (h *levelHolder) get() zerolog.Level { return zerolog.Level(h.v.Load()) }

// Run implements zerolog.Hook.
func (h *levelHolder) Run(e *zerolog.Event, level zerolog.Level, _ string) {
	if level < h.get() {
		e.Discard()
	}
}
