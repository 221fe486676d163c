package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConnectivityProbeDetectsReachableHost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	conn := NewHTTPConnectivity(server.URL, time.Minute, testLogger())
	assert.False(t, conn.Online())

	conn.probe(context.Background())
	assert.True(t, conn.Online())

	select {
	case online := <-conn.Changes():
		assert.True(t, online)
	case <-time.After(time.Second):
		t.Fatal("expected connectivity transition")
	}
}

func TestConnectivityProbeDetectsOutage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	conn := NewHTTPConnectivity(server.URL, time.Minute, testLogger())
	conn.probe(context.Background())
	<-conn.Changes()

	server.Close()
	conn.probe(context.Background())
	assert.False(t, conn.Online())

	select {
	case online := <-conn.Changes():
		assert.False(t, online)
	case <-time.After(time.Second):
		t.Fatal("expected offline transition")
	}
}

func TestConnectivityServerErrorCountsAsOffline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	conn := NewHTTPConnectivity(server.URL, time.Minute, testLogger())
	conn.probe(context.Background())
	assert.False(t, conn.Online())
}

func TestConnectivityReplacesStalePendingTransition(t *testing.T) {
	healthy := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	conn := NewHTTPConnectivity(server.URL, time.Minute, testLogger())

	// Two transitions without a reader: only the latest survives.
	conn.probe(context.Background())
	healthy = false
	conn.probe(context.Background())

	select {
	case online := <-conn.Changes():
		assert.False(t, online)
	case <-time.After(time.Second):
		t.Fatal("expected a pending transition")
	}
	select {
	case online := <-conn.Changes():
		t.Fatalf("unexpected extra transition: %v", online)
	default:
	}
}
