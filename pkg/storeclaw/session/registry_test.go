package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/credentials"
)

func TestRegistry(t *testing.T) {
	var mu sync.Mutex
	built := map[string]int{}
	transports := map[string]*fakeTransport{}

	reg := NewRegistry(func(tenantID string) (*Session, error) {
		if tenantID == "broken" {
			return nil, errors.New("no config")
		}
		mu.Lock()
		defer mu.Unlock()
		built[tenantID]++
		tr := &fakeTransport{}
		transports[tenantID] = tr
		return New(tenantID, tr, credentials.NewMemoryStore(), DefaultConfig(), nil), nil
	}, nil)

	t.Run("creates each tenant once", func(t *testing.T) {
		var wg sync.WaitGroup
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := reg.GetOrCreate("acme")
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, built["acme"])
	})

	t.Run("initialize connects", func(t *testing.T) {
		s, err := reg.Initialize(context.Background(), "globex")
		require.NoError(t, err)
		assert.Equal(t, StateConnecting, s.State())
		assert.Equal(t, 1, transports["globex"].connectCount())
	})

	t.Run("tenants are isolated", func(t *testing.T) {
		assert.NotSame(t, reg.Get("acme"), reg.Get("globex"))
		assert.Equal(t, StateDisconnected, reg.Get("acme").State())
	})

	t.Run("list and snapshots are sorted", func(t *testing.T) {
		assert.Equal(t, []string{"acme", "globex"}, reg.List())
		snaps := reg.Snapshots()
		require.Len(t, snaps, 2)
		assert.Equal(t, "acme", snaps[0].TenantID)
	})

	t.Run("factory errors surface", func(t *testing.T) {
		_, err := reg.GetOrCreate("broken")
		assert.Error(t, err)
		assert.Nil(t, reg.Get("broken"))
	})

	t.Run("remove disconnects", func(t *testing.T) {
		reg.Remove("globex")
		assert.Nil(t, reg.Get("globex"))
		assert.Equal(t, 1, transports["globex"].disconnects)
	})

	t.Run("shutdown clears all", func(t *testing.T) {
		reg.Shutdown()
		assert.Empty(t, reg.List())
	})
}
