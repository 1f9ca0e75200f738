package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-tracker/models"
)

// This test requires a running memcached instance
// If memcached is not available, the test will be skipped
func TestMemcacheDetailCache(t *testing.T) {
	c := NewMemcacheDetailCache("localhost:11211", time.Minute)
	if err := c.Ping(); err != nil {
		t.Skip("Memcached is not available, skipping test")
	}

	km := 45000
	require.NoError(t, c.Set("123456", &models.ListingRecord{Km: &km, Fuel: "Diésel"}))

	got, ok := c.Get("123456")
	require.True(t, ok)
	assert.Equal(t, 45000, *got.Km)
	assert.Equal(t, "Diésel", got.Fuel)

	require.NoError(t, c.Delete("123456"))
	_, ok = c.Get("123456")
	assert.False(t, ok)
}
