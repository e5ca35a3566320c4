package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to ItemStatus }{
		{ItemStatusQueued, ItemStatusProcessing},
		{ItemStatusQueued, ItemStatusCancelled},
		{ItemStatusProcessing, ItemStatusCompleted},
		{ItemStatusProcessing, ItemStatusFailed},
		{ItemStatusProcessing, ItemStatusCancelled},
	}
	for _, tr := range legal {
		assert.True(t, CanTransition(tr.from, tr.to), "%s -> %s should be legal", tr.from, tr.to)
	}

	illegal := []struct{ from, to ItemStatus }{
		{ItemStatusQueued, ItemStatusCompleted},
		{ItemStatusQueued, ItemStatusFailed},
		{ItemStatusCompleted, ItemStatusProcessing},
		{ItemStatusFailed, ItemStatusQueued},
		{ItemStatusCancelled, ItemStatusProcessing},
		{ItemStatusProcessing, ItemStatusQueued},
	}
	for _, tr := range illegal {
		assert.False(t, CanTransition(tr.from, tr.to), "%s -> %s should be illegal", tr.from, tr.to)
	}
}

func TestItemStatus_Terminal(t *testing.T) {
	assert.False(t, ItemStatusQueued.Terminal())
	assert.False(t, ItemStatusProcessing.Terminal())
	assert.True(t, ItemStatusCompleted.Terminal())
	assert.True(t, ItemStatusFailed.Terminal())
	assert.True(t, ItemStatusCancelled.Terminal())
}

func TestWorkItem_ParamsRoundTrip(t *testing.T) {
	item := &WorkItem{}
	require.NoError(t, item.SetParams(map[string]string{
		"company": "Acme Corp",
		"scope":   "Electrical",
		"engine":  "soffice",
	}))

	params, err := item.GetParams()
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", params["company"])
	assert.Equal(t, "Electrical", params["scope"])
	assert.Equal(t, "soffice", params["engine"])
}

func TestWorkItem_EmptyParams(t *testing.T) {
	item := &WorkItem{}
	require.NoError(t, item.SetParams(nil))
	assert.Nil(t, item.Params)

	params, err := item.GetParams()
	require.NoError(t, err)
	assert.Empty(t, params)
}
