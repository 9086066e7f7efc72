package stage

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	cfg := NewConfig()
	require.NotNil(t, cfg)

	_, ok := cfg.Dialer.(*net.Dialer)
	assert.True(t, ok, "Dialer should be *net.Dialer")

	assert.Equal(t, "", cfg.ErrClassifier.Classify(nil))
	assert.Equal(t, "ETIMEDOUT", cfg.ErrClassifier.Classify(context.DeadlineExceeded))

	now := cfg.TimeNow()
	assert.False(t, now.IsZero())

	require.NotNil(t, cfg.Logger)
	require.NotNil(t, cfg.Resolver)
	require.NotNil(t, cfg.Recorder)
	require.NotNil(t, cfg.CIDAllocator)
}
