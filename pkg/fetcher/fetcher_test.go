package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nestframe/agentrun/pkg/errs"
)

func testPolicy() Policy {
	return Policy{
		MaxBytes:         1024,
		Timeout:          2 * time.Second,
		RetryInitial:     time.Millisecond,
		RetryMax:         10 * time.Millisecond,
		RetryFactor:      2,
		RetryMaxAttempts: 3,
	}
}

func TestFetchHTTPSSuccessWithMatchingFingerprint(t *testing.T) {
	payload := []byte("hello agentrun")
	sum := sha256.Sum256(payload)
	digest := hex.EncodeToString(sum[:])

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	f := New(testPolicy(), zerolog.Nop())
	dest := t.TempDir()

	cached, err := f.Fetch(context.Background(), server.URL, dest, digest)
	require.NoError(t, err)
	require.Equal(t, digest, cached.Fingerprint)
	require.Equal(t, int64(len(payload)), cached.SizeBytes)

	got, err := os.ReadFile(filepath.Join(dest, digest+".pkg"))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestFetchHTTPSIntegrityMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("actual bytes"))
	}))
	defer server.Close()

	f := New(testPolicy(), zerolog.Nop())

	_, err := f.Fetch(context.Background(), server.URL, t.TempDir(), "0000000000000000000000000000000000000000000000000000000000000000")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindIntegrityMismatch))
}

func TestFetchHTTPS4xxNotRetried(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	f := New(testPolicy(), zerolog.Nop())

	_, err := f.Fetch(context.Background(), server.URL, t.TempDir(), "")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindFetchUnavailable))
	require.Equal(t, 1, hits)
}

func TestFetchHTTPS5xxRetriedThenFails(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	f := New(testPolicy(), zerolog.Nop())

	_, err := f.Fetch(context.Background(), server.URL, t.TempDir(), "")
	require.Error(t, err)
	require.Equal(t, 3, hits)
}

func TestFetchRejectsDisallowedScheme(t *testing.T) {
	f := New(testPolicy(), zerolog.Nop())

	_, err := f.Fetch(context.Background(), "file:///etc/passwd", t.TempDir(), "")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindFetchUnavailable))
}

func TestFetchEnforcesByteCap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 2048))
	}))
	defer server.Close()

	policy := testPolicy()
	policy.MaxBytes = 100
	f := New(policy, zerolog.Nop())

	_, err := f.Fetch(context.Background(), server.URL, t.TempDir(), "")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindFetchUnavailable))
}
