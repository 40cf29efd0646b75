package util

import (
	"io"

	"go.uber.org/zap"
)

// CloseLogged closes c on a cleanup path that already has an error to
// return. A close failure is logged, not returned.
func CloseLogged(log *zap.Logger, what string, c io.Closer) {
	if err := c.Close(); err != nil {
		log.Warn("close "+what, zap.Error(err))
	}
}
