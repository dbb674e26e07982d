package oplock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type noopSessionChannel struct{}

func (noopSessionChannel) LastActivity() time.Time { return time.Now() }
func (noopSessionChannel) SendBreakNotice(ctx context.Context, level byte, fnum uint16) error {
	return nil
}
func (noopSessionChannel) ReceiveRequest(ctx context.Context, timeout time.Duration) (Request, error) {
	return Request{}, nil
}

func TestSessionRegistry_RegisterLookupUnregister(t *testing.T) {
	reg := NewSessionRegistry()

	_, ok := reg.Lookup(1)
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Count())

	reg.Register(1, noopSessionChannel{})
	ch, ok := reg.Lookup(1)
	assert.True(t, ok)
	assert.NotNil(t, ch)
	assert.Equal(t, 1, reg.Count())

	reg.Unregister(1)
	_, ok = reg.Lookup(1)
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Count())
}
