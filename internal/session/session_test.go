package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSocketInode_ParsesValidTarget(t *testing.T) {
	inode, ok := socketInode("socket:[123456]")
	assert.True(t, ok)
	assert.Equal(t, uint64(123456), inode)
}

func TestSocketInode_RejectsNonSocketTarget(t *testing.T) {
	_, ok := socketInode("/dev/null")
	assert.False(t, ok)

	_, ok = socketInode("anon_inode:[eventfd]")
	assert.False(t, ok)
}

func TestIsPidAlive_TrueForSelf(t *testing.T) {
	assert.True(t, IsPidAlive(os.Getpid()))
}

func TestIsPidAlive_FalseForInvalidPID(t *testing.T) {
	assert.False(t, IsPidAlive(0))
	assert.False(t, IsPidAlive(-1))
}

func TestCheckStatus_BusyResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]bool{"busy": true})
	}))
	defer server.Close()

	p := &Prober{httpClient: server.Client()}
	port := portFromURL(t, server.URL)
	assert.Equal(t, StatusBusy, p.CheckStatus(context.Background(), port))
}

func TestCheckStatus_IdleResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]bool{"busy": false})
	}))
	defer server.Close()

	p := &Prober{httpClient: server.Client()}
	port := portFromURL(t, server.URL)
	assert.Equal(t, StatusIdle, p.CheckStatus(context.Background(), port))
}

func TestCheckStatus_ConnectionRefusedIsUnavailable(t *testing.T) {
	p := &Prober{httpClient: http.DefaultClient}
	assert.Equal(t, StatusUnavailable, p.CheckStatus(context.Background(), 1))
}

func portFromURL(t *testing.T, rawURL string) int {
	t.Helper()
	parsed, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse url %s: %v", rawURL, err)
	}
	port, err := strconv.Atoi(parsed.Port())
	if err != nil {
		t.Fatalf("parse port from %s: %v", rawURL, err)
	}
	return port
}
