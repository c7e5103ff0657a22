package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainflow/pkg/schema"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestBreakers_OpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreakers(BreakerConfig{FailureThreshold: 3, Cooldown: 10 * time.Second}, clock.now)
	const crm schema.NodeType = "crm.create_contact"

	require.NoError(t, b.Allow(crm))
	b.Record(crm, false)
	b.Record(crm, false)
	assert.Equal(t, CircuitClosed, b.State(crm))

	assert.Equal(t, CircuitOpen, b.Record(crm, false))
	err := b.Allow(crm)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCircuitOpen))

	stats := b.Stats()
	assert.Equal(t, "open", stats[string(crm)]["state"])
	assert.Equal(t, 3, stats[string(crm)]["consecutive_failures"])
}

func TestBreakers_HalfOpenTrial(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreakers(BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Second, HalfOpenMax: 1}, clock.now)
	const mail schema.NodeType = "mail.send"

	b.Record(mail, false)
	require.Error(t, b.Allow(mail))

	clock.advance(11 * time.Second)
	assert.Equal(t, CircuitHalfOpen, b.State(mail))
	require.NoError(t, b.Allow(mail))
	assert.Error(t, b.Allow(mail), "only one trial call at a time")

	// A failed trial call reopens immediately.
	assert.Equal(t, CircuitOpen, b.Record(mail, false))
	require.Error(t, b.Allow(mail))

	clock.advance(11 * time.Second)
	require.NoError(t, b.Allow(mail))
	assert.Equal(t, CircuitClosed, b.Record(mail, true))
	require.NoError(t, b.Allow(mail))
}

func TestBreakers_SuccessResets(t *testing.T) {
	b := NewBreakers(BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute}, nil)
	const api schema.NodeType = "api.call"

	b.Record(api, false)
	b.Record(api, true)
	b.Record(api, false)
	assert.Equal(t, CircuitClosed, b.State(api))
}

func TestBreakers_IgnoreBuiltinsAndDisabled(t *testing.T) {
	b := NewBreakers(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute}, nil)
	for i := 0; i < 5; i++ {
		b.Record(schema.NodeFilter, false)
	}
	assert.NoError(t, b.Allow(schema.NodeFilter))

	off := NewBreakers(BreakerConfig{}, nil)
	off.Record("x.y", false)
	assert.NoError(t, off.Allow("x.y"))
	assert.Empty(t, off.Stats())
}
