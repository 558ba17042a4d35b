package geoip

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLookup_PrivateRangeSkipsNetwork(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewProvider(srv.URL, 2*time.Second, nil)

	for _, ip := range []string{"192.168.1.5", "10.0.0.1", "172.16.5.5", "127.0.0.1"} {
		geo := p.Lookup(context.Background(), ip)
		if geo.Country != "Private Network" {
			t.Fatalf("expected private network geo for %s, got %+v", ip, geo)
		}
	}
	if called {
		t.Fatalf("private-range lookups must never reach the network")
	}
}

func TestLookup_CachesSuccessfulResult(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(lookupResult{CountryName: "Testland", City: "Testville"})
	}))
	defer srv.Close()

	p := NewProvider(srv.URL, 2*time.Second, nil)

	geo1 := p.Lookup(context.Background(), "8.8.8.8")
	geo2 := p.Lookup(context.Background(), "8.8.8.8")

	if geo1.Country != "Testland" || geo2.Country != "Testland" {
		t.Fatalf("expected enriched country, got %+v / %+v", geo1, geo2)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one network call due to caching, got %d", calls)
	}
}

func TestLookup_FailureYieldsUnknownAndIsCached(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewProvider(srv.URL, 2*time.Second, nil)

	geo1 := p.Lookup(context.Background(), "9.9.9.9")
	geo2 := p.Lookup(context.Background(), "9.9.9.9")

	if geo1.Country != "Unknown" || geo2.Country != "Unknown" {
		t.Fatalf("expected unknown geo on failure, got %+v / %+v", geo1, geo2)
	}
	if calls != 1 {
		t.Fatalf("expected negative caching to prevent a second network call, got %d calls", calls)
	}
}
