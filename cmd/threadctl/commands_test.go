package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/threadsync/internal/api"
	iauth "github.com/charlesng35/threadsync/internal/auth"
	"github.com/charlesng35/threadsync/internal/cache"
	"github.com/charlesng35/threadsync/internal/database/testutil"
	"github.com/charlesng35/threadsync/internal/realtime"
	"github.com/charlesng35/threadsync/internal/store"
)

func TestUsageParsesTokenCommand(t *testing.T) {
	opts, err := docopt.ParseArgs(usage,
		[]string{"token", "--secret=s3cret", "--user=alice", "--thread=t-1", "--thread=t-2"}, ThreadCtlVersion)
	require.NoError(t, err)

	ttl, _ := opts.String("--ttl")
	require.Equal(t, "12h", ttl)

	var out bytes.Buffer
	require.NoError(t, token(&out, opts))

	svc, err := iauth.NewJWTService(iauth.JWTConfig{Secret: "s3cret", Issuer: "threadsync"})
	require.NoError(t, err)
	claims, err := svc.ValidateAccessToken(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	require.Equal(t, "alice", claims.UserID)
	require.Equal(t, []string{"t-1", "t-2"}, claims.Threads)
}

func TestTokenSubject(t *testing.T) {
	svc, err := iauth.NewJWTService(iauth.JWTConfig{Secret: "s", Issuer: "test", AccessTokenTTL: time.Hour})
	require.NoError(t, err)
	signed, err := svc.GenerateAccessToken(iauth.AccessTokenInput{UserID: "bob"})
	require.NoError(t, err)

	user, name, err := tokenSubject(signed)
	require.NoError(t, err)
	require.Equal(t, "bob", user)
	require.Equal(t, "bob", name)

	_, _, err = tokenSubject("")
	require.Error(t, err)
	_, _, err = tokenSubject("not-a-token")
	require.Error(t, err)
}

func TestLockCommandAgainstServer(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	st := store.NewSnapshotStore(db)

	jwtSvc, err := iauth.NewJWTService(iauth.JWTConfig{Secret: "ctl-secret", Issuer: "test", AccessTokenTTL: time.Hour})
	require.NoError(t, err)

	hub, err := realtime.NewHub(realtime.Config{}, cache.NewMemoryLockStore(), st, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = hub.Close() })

	router, err := api.NewRouter(api.Dependencies{DB: db, JWT: jwtSvc, Hub: hub})
	require.NoError(t, err)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	tok, err := jwtSvc.GenerateAccessToken(iauth.AccessTokenInput{UserID: "alice", Name: "Alice"})
	require.NoError(t, err)

	opts := docopt.Opts{
		"--token":     tok,
		"--url":       "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		"--content":   "hello from threadctl",
		"--hold":      "0s",
		"--debug":     false,
		"<thread_id>": "thread-1",
	}
	require.NoError(t, lock(context.Background(), opts))

	thread, err := st.Thread(context.Background(), "thread-1")
	require.NoError(t, err)
	require.Equal(t, "hello from threadctl", thread.Content)
	require.Equal(t, int64(1), thread.Revision)
	require.Equal(t, "alice", thread.UpdatedBy)
}
