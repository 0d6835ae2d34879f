package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func credsServer(t *testing.T, fetches *atomic.Int64, ttl time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "k" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		n := fetches.Add(1)
		fmt.Fprintf(w, `{"success":true,"data":{"accessKeyId":"AK%d","secretAccessKey":"sk","sessionToken":"st","expiresAt":%q}}`,
			n, time.Now().Add(ttl).Format(time.RFC3339))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchParsesCredentials(t *testing.T) {
	var fetches atomic.Int64
	srv := credsServer(t, &fetches, time.Hour)

	creds, err := NewService(srv.URL, "k").Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AK1", creds.AccessKeyID)
	assert.Equal(t, "sk", creds.SecretAccessKey)
	assert.True(t, creds.ExpiresAt.After(time.Now()))
}

func TestFetchRejectsBadStatus(t *testing.T) {
	var fetches atomic.Int64
	srv := credsServer(t, &fetches, time.Hour)

	_, err := NewService(srv.URL, "wrong").Fetch(context.Background())
	require.Error(t, err)
}

func TestRetrieveCachesWithinInterval(t *testing.T) {
	var fetches atomic.Int64
	srv := credsServer(t, &fetches, time.Hour)
	r := NewRefresher(NewService(srv.URL, "k"), time.Minute, 5*time.Minute)

	first, err := r.Retrieve(context.Background())
	require.NoError(t, err)
	second, err := r.Retrieve(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.AccessKeyID, second.AccessKeyID)
	assert.Equal(t, int64(1), fetches.Load())
}

func TestRetrieveKeepsFreshCredentialsWhenIntervalElapses(t *testing.T) {
	var fetches atomic.Int64
	srv := credsServer(t, &fetches, time.Hour)
	// Interval of zero nanoseconds is always due; the hour of validity
	// means the cache is never stale, so no second fetch happens.
	r := NewRefresher(NewService(srv.URL, "k"), time.Nanosecond, time.Minute)

	_, err := r.Retrieve(context.Background())
	require.NoError(t, err)
	time.Sleep(2 * time.Nanosecond)
	_, err = r.Retrieve(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), fetches.Load())
}

func TestRetrieveRefreshesWhenDueAndStale(t *testing.T) {
	var fetches atomic.Int64
	srv := credsServer(t, &fetches, time.Millisecond)
	r := NewRefresher(NewService(srv.URL, "k"), time.Millisecond, time.Millisecond)

	first, err := r.Retrieve(context.Background())
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := r.Retrieve(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first.AccessKeyID, second.AccessKeyID)
	assert.Equal(t, int64(2), fetches.Load())
}

func TestRetrieveServesCacheThroughOutage(t *testing.T) {
	var fetches atomic.Int64
	srv := credsServer(t, &fetches, time.Hour)
	r := NewRefresher(NewService(srv.URL, "k"), time.Nanosecond, 2*time.Hour)

	first, err := r.Retrieve(context.Background())
	require.NoError(t, err)

	srv.Close()
	time.Sleep(time.Millisecond)
	second, err := r.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.AccessKeyID, second.AccessKeyID)
}
