package util

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type closer struct{ err error }

func (c closer) Close() error { return c.err }

func TestCloseLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	log := zap.New(core)

	CloseLogged(log, "ok", closer{})
	require.Zero(t, logs.Len())

	CloseLogged(log, "segment", closer{err: errors.New("boom")})
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	require.Equal(t, "close segment", entry.Message)
	require.Equal(t, "boom", entry.ContextMap()["error"])
}
