//go:build !linux

package capture

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"go2tv.app/screenrelay/internal/apis"
)

func Open(ctx context.Context, bus *apis.Conn, cfg Config, log *zap.Logger) (*Thread, error) {
	return nil, fmt.Errorf("%w: no backend for this operating system", ErrNotImplemented)
}
