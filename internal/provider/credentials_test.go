package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func tokenEndpoint(t *testing.T, issued *int32) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())

		n := atomic.AddInt32(issued, 1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("tok-%d", n),
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
}

func TestCredentialSourceCachesTokenPerAccount(t *testing.T) {
	var issued int32
	srv := tokenEndpoint(t, &issued)
	defer srv.Close()

	creds := NewCredentialSource(srv.URL, nil)
	acct := Account{ID: "acct-1", ClientID: "client", ClientSecret: "secret"}

	ctx := context.Background()
	first, err := creds.Token(ctx, acct)
	require.NoError(t, err)
	require.Equal(t, "tok-1", first)

	second, err := creds.Token(ctx, acct)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, int32(1), atomic.LoadInt32(&issued))

	// A different account gets its own token.
	other, err := creds.Token(ctx, Account{ID: "acct-2", ClientID: "client", ClientSecret: "secret"})
	require.NoError(t, err)
	require.NotEqual(t, first, other)
}

func TestCredentialSourceInvalidateForcesReacquisition(t *testing.T) {
	var issued int32
	srv := tokenEndpoint(t, &issued)
	defer srv.Close()

	creds := NewCredentialSource(srv.URL, nil)
	acct := Account{ID: "acct-1", ClientID: "client", ClientSecret: "secret"}

	ctx := context.Background()
	first, err := creds.Token(ctx, acct)
	require.NoError(t, err)

	creds.Invalidate(acct.ID)

	second, err := creds.Token(ctx, acct)
	require.NoError(t, err)
	require.NotEqual(t, first, second)
	require.Equal(t, int32(2), atomic.LoadInt32(&issued))
}
