package syncpolicy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_WireFormat(t *testing.T) {
	t.Parallel()

	b, err := NewKeyMessage("i1", "composite", "users", "42", OpRefresh).MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"instanceId":"i1","cacheType":"composite","cacheName":"users","key":"42","optType":"refresh"}`, string(b))

	b, err = NewClearMessage("i1", "composite", "users").MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"instanceId":"i1","cacheType":"composite","cacheName":"users","key":null,"optType":"clear"}`, string(b))

	m, err := Decode(b)
	require.NoError(t, err)
	_, ok := m.Key()
	assert.False(t, ok, "null key means whole cache")
	assert.Equal(t, OpClear, m.Op())
	assert.Equal(t, "users", m.CacheName())
}

func TestMessage_EmptyKeyIsAKey(t *testing.T) {
	t.Parallel()

	b, err := NewKeyMessage("i1", "local", "c", "", OpClear).MarshalJSON()
	require.NoError(t, err)
	m, err := Decode(b)
	require.NoError(t, err)
	k, ok := m.Key()
	assert.True(t, ok)
	assert.Equal(t, "", k)
}

func TestDecode_Rejects(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		`not json`,
		`{"instanceId":"i","cacheName":"","optType":"clear"}`,
		`{"instanceId":"i","cacheName":"c","optType":"explode"}`,
	} {
		_, err := Decode([]byte(in))
		assert.Error(t, err, in)
	}
}
