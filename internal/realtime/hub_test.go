package realtime_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/threadsync/internal/cache"
	"github.com/charlesng35/threadsync/internal/channel"
	"github.com/charlesng35/threadsync/internal/collab"
	"github.com/charlesng35/threadsync/internal/database/testutil"
	"github.com/charlesng35/threadsync/internal/protocol"
	"github.com/charlesng35/threadsync/internal/realtime"
	"github.com/charlesng35/threadsync/internal/store"
	syncErrors "github.com/charlesng35/threadsync/pkg/errors"
)

const (
	waitFor    = 5 * time.Second
	testThread = "thread-1"
)

type testServer struct {
	hub    *realtime.Hub
	http   *httptest.Server
	locks  cache.LockStore
	store  *store.SnapshotStore
	wsURL  string
	fanout realtime.Fanout
}

type serverOption func(*serverSetup)

type serverSetup struct {
	locks  cache.LockStore
	store  *store.SnapshotStore
	fanout realtime.Fanout
}

func withLocks(locks cache.LockStore) serverOption {
	return func(s *serverSetup) { s.locks = locks }
}

func withStore(st *store.SnapshotStore) serverOption {
	return func(s *serverSetup) { s.store = st }
}

func withFanout(f realtime.Fanout) serverOption {
	return func(s *serverSetup) { s.fanout = f }
}

// newTestServer serves the hub at /ws. The bearer token is taken as the user id.
func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()

	setup := serverSetup{}
	for _, opt := range opts {
		opt(&setup)
	}
	if setup.locks == nil {
		setup.locks = cache.NewMemoryLockStore()
	}
	if setup.store == nil {
		setup.store = store.NewSnapshotStore(testutil.MustOpenTestDB(t, testutil.WithAutoMigrate()))
	}

	hub, err := realtime.NewHub(realtime.Config{}, setup.locks, setup.store, setup.fanout)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		hub.Serve(realtime.Identity{UserID: user, Name: strings.ToUpper(user)}, w, r)
	}))

	s := &testServer{
		hub:    hub,
		http:   srv,
		locks:  setup.locks,
		store:  setup.store,
		wsURL:  "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		fanout: setup.fanout,
	}
	t.Cleanup(func() {
		_ = hub.Close()
		srv.Close()
	})
	return s
}

type errorLog struct {
	mu   sync.Mutex
	errs []error
}

func (l *errorLog) record(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *errorLog) has(target error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, err := range l.errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type testClient struct {
	user     string
	mgr      *channel.Manager
	session  *collab.ThreadSession
	errs     *errorLog
	updates  chan protocol.Update
	activity chan protocol.Activity
}

func connect(t *testing.T, s *testServer, user string) *testClient {
	t.Helper()

	c := &testClient{
		user:     user,
		errs:     &errorLog{},
		updates:  make(chan protocol.Update, 32),
		activity: make(chan protocol.Activity, 64),
	}
	c.mgr = channel.NewManager(channel.Options{
		URL:                  s.wsURL,
		Token:                user,
		ReconnectionAttempts: 2,
		ReconnectionDelay:    10 * time.Millisecond,
		ReconnectionDelayMax: 50 * time.Millisecond,
		Timeout:              waitFor,
		OnError:              c.errs.record,
	})

	session, err := collab.OpenSession(c.mgr, collab.SessionConfig{
		ThreadID: testThread,
		UserID:   user,
		Name:     user,
		OnUpdate: func(u protocol.Update) error {
			c.updates <- u
			return nil
		},
		OnActivity: func(a protocol.Activity) error {
			select {
			case c.activity <- a:
			default:
			}
			return nil
		},
	})
	require.NoError(t, err)
	c.session = session

	require.NoError(t, c.mgr.Open())
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.mgr.WaitConnected(ctx))

	// The join reply carries the lock state; once adopted the client is a room member.
	c.waitLock(t, func(s collab.LockSnapshot) bool { return s.Status != collab.LockUnknown })

	t.Cleanup(func() {
		_ = c.session.Close()
		_ = c.mgr.Close()
	})
	return c
}

func (c *testClient) waitLock(t *testing.T, cond func(collab.LockSnapshot) bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	err := collab.WaitFor(ctx, c.session.Lock, func() bool { return cond(c.session.Lock.State()) })
	require.NoError(t, err, "%s lock state %+v", c.user, c.session.Lock.State())
}

func waitWatch(t *testing.T, w collab.Watchable, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, collab.WaitFor(ctx, w, cond))
}

func heldBy(user string) func(collab.LockSnapshot) bool {
	return func(s collab.LockSnapshot) bool {
		return s.Holder == user && s.Status != collab.LockUnknown
	}
}

func unlocked(s collab.LockSnapshot) bool {
	return s.Status == collab.LockUnlocked
}

func TestJoinRepliesWithLockStateAndSnapshots(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	_, err := s.store.EnsureThread(ctx, testThread)
	require.NoError(t, err)
	_, err = s.store.AddComment(ctx, testThread, "carol", "existing")
	require.NoError(t, err)

	alice := connect(t, s, "alice")
	require.Equal(t, collab.LockUnlocked, alice.session.Lock.State().Status)

	snapshots := alice.session.Snapshots
	waitWatch(t, snapshots, func() bool {
		return len(snapshots.Comments().Items) == 1 && len(snapshots.Collaborators().Items) == 1
	})
	require.Equal(t, "alice", snapshots.Collaborators().Items[0].UserID)
	require.Equal(t, "existing", snapshots.Comments().Items[0].Content)
	require.Equal(t, []string{"alice"}, s.hub.Members(testThread))
	require.Equal(t, 1, s.hub.ActiveRooms())
}

func TestLockScenarioAB(t *testing.T) {
	s := newTestServer(t)
	alice := connect(t, s, "alice")
	bob := connect(t, s, "bob")

	require.NoError(t, alice.session.Lock.RequestLock())
	alice.waitLock(t, func(s collab.LockSnapshot) bool { return s.Status == collab.LockHeldBySelf })
	bob.waitLock(t, func(s collab.LockSnapshot) bool {
		return s.Status == collab.LockHeldByOther && s.Holder == "alice"
	})

	// A denied request is answered with the current holder.
	require.NoError(t, bob.session.Lock.RequestLock())
	require.ErrorIs(t, bob.session.Lock.UpdateContent("bob's draft"), syncErrors.ErrNotLockHolder)

	require.NoError(t, alice.session.Lock.UpdateContent("alice's draft"))
	select {
	case update := <-bob.updates:
		require.Equal(t, "alice", update.UserID)
		require.Equal(t, "alice's draft", update.Content)
		require.Equal(t, int64(1), update.Revision)
	case <-time.After(waitFor):
		t.Fatal("bob did not receive the update")
	}

	require.NoError(t, alice.session.Lock.ReleaseLock())
	alice.waitLock(t, unlocked)
	bob.waitLock(t, unlocked)

	require.NoError(t, bob.session.Lock.RequestLock())
	bob.waitLock(t, func(s collab.LockSnapshot) bool { return s.Status == collab.LockHeldBySelf })
	alice.waitLock(t, func(s collab.LockSnapshot) bool {
		return s.Status == collab.LockHeldByOther && s.Holder == "bob"
	})

	thread, err := s.store.Thread(context.Background(), testThread)
	require.NoError(t, err)
	require.Equal(t, "alice's draft", thread.Content)
}

func TestLockMutualExclusion(t *testing.T) {
	s := newTestServer(t)

	const n = 6
	clients := make([]*testClient, n)
	for i := range clients {
		clients[i] = connect(t, s, fmt.Sprintf("user-%d", i))
	}

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *testClient) {
			defer wg.Done()
			_ = c.session.Lock.RequestLock()
		}(c)
	}
	wg.Wait()

	lease, err := s.locks.Holder(context.Background(), testThread)
	require.Eventually(t, func() bool {
		lease, err = s.locks.Holder(context.Background(), testThread)
		return err == nil && lease.Held()
	}, waitFor, 5*time.Millisecond)

	for _, c := range clients {
		c.waitLock(t, heldBy(lease.Holder))
	}

	editing := 0
	for _, c := range clients {
		if c.session.Lock.IsEditing() {
			editing++
			require.Equal(t, lease.Holder, c.user)
		}
	}
	require.Equal(t, 1, editing)
}

func TestDisconnectReleasesLock(t *testing.T) {
	s := newTestServer(t)
	alice := connect(t, s, "alice")
	bob := connect(t, s, "bob")

	require.NoError(t, alice.session.Lock.RequestLock())
	bob.waitLock(t, heldBy("alice"))

	require.NoError(t, alice.mgr.Close())
	bob.waitLock(t, unlocked)

	require.Eventually(t, func() bool {
		return len(s.hub.Members(testThread)) == 1
	}, waitFor, 5*time.Millisecond)
}

func TestLeaveKeepsLockWhileAnotherConnectionRemains(t *testing.T) {
	s := newTestServer(t)
	first := connect(t, s, "alice")
	second := connect(t, s, "alice")
	bob := connect(t, s, "bob")

	require.NoError(t, first.session.Lock.RequestLock())
	bob.waitLock(t, heldBy("alice"))
	second.waitLock(t, func(s collab.LockSnapshot) bool { return s.Status == collab.LockHeldBySelf })

	require.NoError(t, first.session.Close())
	require.Eventually(t, func() bool {
		return s.hub.Connections() == 3 && len(s.hub.Members(testThread)) == 2
	}, waitFor, 5*time.Millisecond)

	lease, err := s.locks.Holder(context.Background(), testThread)
	require.NoError(t, err)
	require.Equal(t, "alice", lease.Holder)
}

func TestPresenceBroadcasts(t *testing.T) {
	s := newTestServer(t)
	alice := connect(t, s, "alice")
	bob := connect(t, s, "bob")

	require.NoError(t, alice.session.Typing.SetTyping(true))
	waitWatch(t, bob.session.Typing, func() bool {
		return len(bob.session.Typing.Active(time.Now())) == 1
	})
	require.Equal(t, []string{"alice"}, bob.session.Typing.Active(time.Now()))

	require.NoError(t, alice.session.Receipts.MarkRead("m-1"))
	require.NoError(t, alice.session.Receipts.MarkRead("m-1"))
	waitWatch(t, bob.session.Receipts, func() bool { return bob.session.Receipts.ReadBy("m-1", "alice") })

	require.Eventually(t, func() bool {
		receipts, err := s.store.Receipts(context.Background(), testThread, "m-1")
		return err == nil && len(receipts) == 1
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, alice.session.Lock.RequestLock())
	alice.waitLock(t, func(s collab.LockSnapshot) bool { return s.Status == collab.LockHeldBySelf })
	require.NoError(t, alice.session.Cursors.UpdateCursor(protocol.Position{Line: 4, Column: 2}))
	waitWatch(t, bob.session.Cursors, func() bool {
		cursor, ok := bob.session.Cursors.Cursors()["alice"]
		return ok && cursor.Position.Line == 4
	})
}

func TestSnapshotIntentsBroadcastFullLists(t *testing.T) {
	s := newTestServer(t)
	alice := connect(t, s, "alice")
	bob := connect(t, s, "bob")

	require.NoError(t, alice.session.Snapshots.AddComment("looks good"))
	require.NoError(t, alice.session.Snapshots.AddInsight("risk", "deadline is tight"))
	require.NoError(t, alice.session.Snapshots.CreateVersion("Draft", "body"))

	snapshots := bob.session.Snapshots
	waitWatch(t, snapshots, func() bool {
		return len(snapshots.Comments().Items) == 1 &&
			len(snapshots.Insights().Items) == 1 &&
			len(snapshots.Versions().Items) == 1
	})
	require.Equal(t, "alice", snapshots.Comments().Items[0].AuthorID)
	require.Equal(t, "risk", snapshots.Insights().Items[0].Type)
	require.Equal(t, "Draft", snapshots.Versions().Items[0].Title)

	waitWatch(t, snapshots, func() bool { return len(snapshots.Collaborators().Items) == 2 })
	require.NoError(t, alice.session.Snapshots.RemoveCollaborator("bob"))
	waitWatch(t, snapshots, func() bool { return len(snapshots.Collaborators().Items) == 1 })

	deadline := time.After(waitFor)
	for {
		select {
		case a := <-bob.activity:
			if a.Type == realtime.ActivityCollaboratorRemoved {
				require.Equal(t, "alice", a.UserID)
				return
			}
		case <-deadline:
			t.Fatal("collaborator removal activity not received")
		}
	}
}

func TestAuthorityRejectionsReachErrorChannel(t *testing.T) {
	s := newTestServer(t)
	alice := connect(t, s, "alice")

	require.NoError(t, alice.session.Snapshots.RemoveCollaborator("nobody"))
	require.Eventually(t, func() bool {
		return alice.errs.has(syncErrors.ErrNotFound)
	}, waitFor, 5*time.Millisecond)
}

func TestReconcileLocksBroadcastsExpiredLease(t *testing.T) {
	s := newTestServer(t)
	alice := connect(t, s, "alice")
	bob := connect(t, s, "bob")

	require.NoError(t, alice.session.Lock.RequestLock())
	bob.waitLock(t, heldBy("alice"))

	changed, err := s.hub.ReconcileLocks(context.Background())
	require.NoError(t, err)
	require.Zero(t, changed)

	released, err := s.locks.Release(context.Background(), testThread, "alice")
	require.NoError(t, err)
	require.True(t, released)

	changed, err = s.hub.ReconcileLocks(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, changed)

	bob.waitLock(t, unlocked)
	alice.waitLock(t, unlocked)
}

func TestServeRejectsAnonymous(t *testing.T) {
	s := newTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(s.wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
