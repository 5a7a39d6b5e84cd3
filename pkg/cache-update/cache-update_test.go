package cacheupdate

import (
	"net/http"
	"testing"
	"time"
)

func TestGetCacheUpdates(t *testing.T) {
	header := make(http.Header)
	header.Add("Cache-Update", "nftBalances; delay=30, token")
	header.Add("Cache-Update", "nftAssets;DELAY=5")

	updates := GetCacheUpdates(header)
	expected := []CacheUpdate{
		{Field: "nftBalances", Delay: 30 * time.Second},
		{Field: "token"},
		{Field: "nftAssets", Delay: 5 * time.Second},
	}
	if len(updates) != len(expected) {
		t.Fatalf("Updates are %v", updates)
	}
	for i := range expected {
		if updates[i] != expected[i] {
			t.Errorf("Update %d is %+v", i, updates[i])
		}
	}
}

func TestGetCacheUpdatesWithoutHeader(t *testing.T) {
	if updates := GetCacheUpdates(http.Header{}); len(updates) != 0 {
		t.Fatalf("Updates are %v", updates)
	}
	if updates := GetCacheUpdates(nil); len(updates) != 0 {
		t.Fatalf("Updates are %v", updates)
	}
}
