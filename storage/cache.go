package storage

import (
	"encoding/json"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"listing-tracker/models"
)

const detailKeyPrefix = "listing-detail:"

// MemcacheDetailCache implements DetailCache using memcache
type MemcacheDetailCache struct {
	client *memcache.Client
	ttl    time.Duration
}

// NewMemcacheDetailCache creates a new memcache-backed detail cache
func NewMemcacheDetailCache(serverAddr string, ttl time.Duration) *MemcacheDetailCache {
	return &MemcacheDetailCache{
		client: memcache.New(serverAddr),
		ttl:    ttl,
	}
}

// Ping checks that the memcache server answers.
func (m *MemcacheDetailCache) Ping() error {
	return m.client.Ping()
}

// Get returns the cached detail overlay for a listing.
func (m *MemcacheDetailCache) Get(listingID string) (*models.ListingRecord, bool) {
	item, err := m.client.Get(detailKeyPrefix + listingID)
	if err != nil {
		return nil, false
	}
	var rec models.ListingRecord
	if err := json.Unmarshal(item.Value, &rec); err != nil {
		return nil, false
	}
	return &rec, true
}

// Set stores a detail overlay with the configured expiration.
func (m *MemcacheDetailCache) Set(listingID string, detail *models.ListingRecord) error {
	value, err := json.Marshal(detail)
	if err != nil {
		return err
	}
	return m.client.Set(&memcache.Item{
		Key:        detailKeyPrefix + listingID,
		Value:      value,
		Expiration: int32(m.ttl.Seconds()),
	})
}

// Delete removes a cached overlay.
func (m *MemcacheDetailCache) Delete(listingID string) error {
	return m.client.Delete(detailKeyPrefix + listingID)
}

var _ DetailCache = (*MemcacheDetailCache)(nil)
