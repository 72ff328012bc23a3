package servable

import (
	"github.com/knights-analytics/servable/options"
)

// NewGoSession creates a session running models on the pure Go gonnx runtime. It needs no cgo.
func NewGoSession(opts ...options.WithOption) (*Session, error) {
	return newSession(options.BackendGo, nil, opts...)
}
