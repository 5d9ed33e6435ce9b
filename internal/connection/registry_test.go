package connection

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/graylink/internal/events"
	"github.com/nerrad567/graylink/internal/infrastructure/database"
	"github.com/nerrad567/graylink/internal/link"
	"github.com/nerrad567/graylink/internal/link/linktest"
	"github.com/nerrad567/graylink/internal/store"
)

// =============================================================================
// Identity and options
// =============================================================================

func TestIdentity_Key(t *testing.T) {
	tests := []struct {
		name string
		id   Identity
		want string
	}{
		{"plain", Identity{"ssl://broker:8883", "gw", "site-1"}, "ssl://broker:8883:gw:site-1"},
		{"separator in client id", Identity{"tcp://h:1883", "a:b", "c"}, "tcp://h:1883:a%3Ab:c"},
		{"separator in namespace", Identity{"tcp://h:1883", "a", "b:c"}, "tcp://h:1883:a:b%3Ac"},
		{"escape char", Identity{"tcp://h:1883", "a%3Ab", "c"}, "tcp://h:1883:a%253Ab:c"},
	}

	seen := make(map[string]string)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.id.Key()
			if got != tt.want {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
			if other, dup := seen[got]; dup {
				t.Errorf("Key() %q shared with %q", got, other)
			}
			seen[got] = tt.name
		})
	}
}

func TestGetOrCreate_SeparatorInIdentityDoesNotCollide(t *testing.T) {
	env := newTestEnv(t, nil)
	keyA, err := env.reg.GetOrCreate(Identity{EndpointURI: "tcp://h:1883", ClientID: "a:b", Namespace: "c"}, Options{})
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	keyB, err := env.reg.GetOrCreate(Identity{EndpointURI: "tcp://h:1883", ClientID: "a", Namespace: "b:c"}, Options{})
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if keyA == keyB {
		t.Fatalf("GetOrCreate() returned the same key %q for distinct identities", keyA)
	}
	if got := len(env.reg.Keys()); got != 2 {
		t.Errorf("Keys() = %d, want 2", got)
	}
}

func TestParseAckMode(t *testing.T) {
	tests := []struct {
		in      string
		want    AckMode
		wantErr bool
	}{
		{"", AckAuto, false},
		{"auto", AckAuto, false},
		{"manual", AckManual, false},
		{"MANUAL", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseAckMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAckMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseAckMode(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestActionError(t *testing.T) {
	cause := errors.New("boom")
	err := actionError("subscribe", "k", []string{"a", "b"}, ErrSubscribeFailure, cause)

	if !errors.Is(err, ErrSubscribeFailure) || !errors.Is(err, cause) {
		t.Errorf("actionError does not wrap sentinel and cause: %v", err)
	}
	if got, want := err.Error(), "subscribe k [a b]: connection: subscribe failed: boom"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	// A cause that already is the sentinel is not wrapped twice.
	err = actionError("publish", "k", nil, ErrPublishFailure, ErrPublishFailure)
	if got, want := err.Error(), "publish k: connection: publish failed"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

// =============================================================================
// GetOrCreate and lookups
// =============================================================================

func TestGetOrCreate_Idempotent(t *testing.T) {
	env := newTestEnv(t, nil)

	key1, err := env.reg.GetOrCreate(testIdentity, Options{})
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	env.connect(t, key1)

	key2, err := env.reg.GetOrCreate(testIdentity, Options{CleanSession: true})
	if err != nil {
		t.Fatalf("second GetOrCreate() error = %v", err)
	}

	if key1 != key2 {
		t.Errorf("keys differ: %q vs %q", key1, key2)
	}
	if keys := env.reg.Keys(); len(keys) != 1 {
		t.Errorf("Keys() = %v, want one key", keys)
	}
	c, _ := env.reg.Connection(key1)
	if c.Options().CleanSession {
		t.Error("second GetOrCreate replaced options")
	}
	if s, _ := env.reg.State(key1); s != Connected {
		t.Errorf("State() = %v, want connected to be preserved", s)
	}
}

func TestGetOrCreate_DistinctNamespaces(t *testing.T) {
	env := newTestEnv(t, nil)

	a := testIdentity
	b := testIdentity
	b.Namespace = "other"

	keyA, _ := env.reg.GetOrCreate(a, Options{})
	keyB, _ := env.reg.GetOrCreate(b, Options{})
	if keyA == keyB {
		t.Fatal("different namespaces share a key")
	}
	keys := env.reg.Keys()
	if len(keys) != 2 || keys[0] > keys[1] {
		t.Errorf("Keys() = %v, want two sorted keys", keys)
	}
}

func TestRegistry_UnknownConnection(t *testing.T) {
	env := newTestEnv(t, nil)
	const key = "tcp://nowhere:1883:ghost:graylink"

	checks := map[string]error{}
	_, checks["Connect"] = env.reg.Connect(key)
	_, checks["ConnectWithOptions"] = env.reg.ConnectWithOptions(key, Options{})
	_, checks["Disconnect"] = env.reg.Disconnect(key, 0)
	_, checks["Publish"] = env.reg.Publish(key, "a", nil, 0, false)
	_, checks["Subscribe"] = env.reg.Subscribe(key, []string{"a"}, []byte{0})
	_, checks["Unsubscribe"] = env.reg.Unsubscribe(key, []string{"a"})
	_, checks["Acknowledge"] = env.reg.Acknowledge(context.Background(), key, "id")
	_, checks["AddListener"] = env.reg.AddListener(key, events.ListenerFunc(func(events.Event) {}))
	_, checks["State"] = env.reg.State(key)
	_, checks["PendingDeliveries"] = env.reg.PendingDeliveries(key)
	_, checks["BufferedCount"] = env.reg.BufferedCount(key)
	checks["Close"] = env.reg.Close(key)

	for name, err := range checks {
		if !errors.Is(err, ErrUnknownConnection) {
			t.Errorf("%s() error = %v, want ErrUnknownConnection", name, err)
		}
	}
}

// =============================================================================
// Store provisioning
// =============================================================================

func TestGetOrCreate_PersistenceUnavailableIsRetryable(t *testing.T) {
	dir := t.TempDir()
	attempts := 0
	reg := NewRegistry(Config{
		Provision: func() (store.Store, error) {
			attempts++
			if attempts == 1 {
				return nil, errors.New("volume not mounted")
			}
			return store.Open(database.Config{Path: filepath.Join(dir, "graylink.db"), WALMode: true})
		},
		LinkFactory: linktest.Factory(),
	})
	defer reg.CloseAll() //nolint:errcheck // Test cleanup

	_, err := reg.GetOrCreate(testIdentity, Options{})
	if !errors.Is(err, ErrPersistenceUnavailable) {
		t.Fatalf("first GetOrCreate() error = %v, want ErrPersistenceUnavailable", err)
	}
	if len(reg.Keys()) != 0 {
		t.Errorf("Keys() after failed provisioning = %v, want none", reg.Keys())
	}

	if _, err := reg.GetOrCreate(testIdentity, Options{}); err != nil {
		t.Fatalf("retry GetOrCreate() error = %v", err)
	}
	if attempts != 2 {
		t.Errorf("provision attempts = %d, want 2", attempts)
	}

	// Provisioning happens once.
	other := testIdentity
	other.ClientID = "client-b"
	if _, err := reg.GetOrCreate(other, Options{}); err != nil {
		t.Fatalf("GetOrCreate(other) error = %v", err)
	}
	if attempts != 2 {
		t.Errorf("provision attempts = %d after second identity, want 2", attempts)
	}
}

func TestGetOrCreate_NoStoreConfigured(t *testing.T) {
	reg := NewRegistry(Config{LinkFactory: linktest.Factory()})
	defer reg.CloseAll() //nolint:errcheck // Test cleanup

	if _, err := reg.GetOrCreate(testIdentity, Options{}); !errors.Is(err, ErrPersistenceUnavailable) {
		t.Errorf("GetOrCreate() error = %v, want ErrPersistenceUnavailable", err)
	}
}

func TestGetOrCreate_LinkFactoryError(t *testing.T) {
	env := newTestEnv(t, nil)
	env.reg.factory = func(link.Kind) (link.Link, error) {
		return nil, link.ErrUnknownTransport
	}

	if _, err := env.reg.GetOrCreate(testIdentity, Options{}); !errors.Is(err, link.ErrUnknownTransport) {
		t.Errorf("GetOrCreate() error = %v, want ErrUnknownTransport", err)
	}
}

// =============================================================================
// Reachability sweeps
// =============================================================================

func TestOffline_MarksNonCleanSessionsLostWithoutIO(t *testing.T) {
	tests := []struct {
		name          string
		auto          bool
		wantConnect   int
		wantReconnect int
	}{
		{name: "manual resume", auto: false, wantConnect: 2, wantReconnect: 0},
		{name: "automatic reconnect", auto: true, wantConnect: 1, wantReconnect: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			durable, clean := linktest.New(), linktest.New()
			env := newTestEnv(t, nil, durable, clean)

			durableID := testIdentity
			cleanID := testIdentity
			cleanID.ClientID = "client-clean"

			keyD, recD := env.createIdentity(t, durableID, Options{AutomaticReconnect: tt.auto})
			keyC, recC := env.createIdentity(t, cleanID, Options{CleanSession: true, AutomaticReconnect: tt.auto})
			env.connect(t, keyD)
			env.connect(t, keyC)

			env.reg.Offline()
			env.settle(t, keyD)
			env.settle(t, keyC)

			if s, _ := env.reg.State(keyD); s != Disconnected {
				t.Errorf("durable State() = %v, want disconnected", s)
			}
			if s, _ := env.reg.State(keyC); s != Connected {
				t.Errorf("clean State() = %v, want connected", s)
			}
			lost := recD.OfKind(events.KindConnectionLost)
			if len(lost) != 1 || !errors.Is(lost[0].Err, ErrConnectionLost) {
				t.Errorf("durable connection_lost events = %+v, want one", lost)
			}
			if n := len(recC.OfKind(events.KindConnectionLost)); n != 0 {
				t.Errorf("clean connection_lost events = %d, want 0", n)
			}
			for _, op := range []string{"disconnect", "reconnect", "publish", "ping"} {
				if got := durable.Calls(op); got != 0 {
					t.Errorf("durable link %s calls after offline = %d, want 0", op, got)
				}
			}
			if got := durable.Calls("connect"); got != 1 {
				t.Errorf("durable link connect calls after offline = %d, want 1", got)
			}

			// Sweeps are ignored while offline.
			env.reg.ReconnectAll()
			env.settle(t, keyD)
			if got := durable.Calls("connect") + durable.Calls("reconnect"); got != 1 {
				t.Errorf("link attempts during offline sweep = %d, want 1", got)
			}

			env.reg.Online()
			env.waitState(t, keyD, Connected)
			time.Sleep(20 * time.Millisecond)

			if got := durable.Calls("connect"); got != tt.wantConnect {
				t.Errorf("durable link connect calls = %d, want %d", got, tt.wantConnect)
			}
			if got := durable.Calls("reconnect"); got != tt.wantReconnect {
				t.Errorf("durable link reconnect calls = %d, want %d", got, tt.wantReconnect)
			}
			if got := clean.Calls("connect") + clean.Calls("reconnect"); got != 1 {
				t.Errorf("clean link attempts = %d, want 1", got)
			}
			completes := recD.OfKind(events.KindConnectComplete)
			if len(completes) != 2 || !completes[1].Reconnect {
				t.Errorf("durable connect_complete events = %+v, want a second with Reconnect", completes)
			}
		})
	}
}

func TestOnline_BacklogStoredWhileOfflineIsReplayed(t *testing.T) {
	l := linktest.New()
	env := newTestEnv(t, nil, l)
	key, rec := env.create(t, Options{})
	env.connect(t, key)

	env.reg.Offline()
	l.Arrive("a/b", link.Message{Payload: []byte("during outage")})
	env.settle(t, key)
	if n := len(rec.OfKind(events.KindMessageArrived)); n != 0 {
		t.Fatalf("arrivals delivered while offline = %d, want 0", n)
	}
	if n := env.count(t, key); n != 1 {
		t.Fatalf("stored while offline = %d, want 1", n)
	}

	env.reg.Online()
	env.waitState(t, key, Connected)

	arrivals := rec.OfKind(events.KindMessageArrived)
	if len(arrivals) != 1 || !arrivals[0].Arrival.Replayed {
		t.Errorf("arrivals after online = %+v, want one replayed", arrivals)
	}
}

func TestOnline_DoesNotReviveUserDisconnect(t *testing.T) {
	l := linktest.New()
	env := newTestEnv(t, nil, l)
	key, _ := env.create(t, Options{})
	env.connect(t, key)

	tok, _ := env.reg.Disconnect(key, 0)
	waitToken(t, tok) //nolint:errcheck // Checked by state below

	env.reg.Offline()
	env.reg.Online()
	env.settle(t, key)
	time.Sleep(20 * time.Millisecond)

	if s, _ := env.reg.State(key); s != Disconnected {
		t.Errorf("State() = %v, want disconnected", s)
	}
	if got := l.Calls("connect"); got != 1 {
		t.Errorf("link connect calls = %d, want 1", got)
	}
}

func TestReconnectAll_CleanSessionWithoutAutoIsNotResumed(t *testing.T) {
	l := linktest.New()
	env := newTestEnv(t, nil, l)
	key, _ := env.create(t, Options{CleanSession: true})
	env.connect(t, key)

	l.Lose(errors.New("eof"))
	env.waitState(t, key, Disconnected)

	env.reg.ReconnectAll()
	env.settle(t, key)
	if got := l.Calls("connect"); got != 1 {
		t.Errorf("link connect calls = %d, want 1", got)
	}
}

// =============================================================================
// Listeners and close
// =============================================================================

func TestAddGlobalListener(t *testing.T) {
	env := newTestEnv(t, nil)
	global := &recorder{}
	remove := env.reg.AddGlobalListener(global)

	other := testIdentity
	other.ClientID = "client-b"
	keyA, _ := env.create(t, Options{})
	keyB, _ := env.createIdentity(t, other, Options{})
	env.connect(t, keyA)
	env.connect(t, keyB)

	seen := map[string]bool{}
	for _, ev := range global.OfKind(events.KindConnect) {
		seen[ev.Key] = true
	}
	if !seen[keyA] || !seen[keyB] {
		t.Errorf("global listener saw connects for %v, want both keys", seen)
	}

	remove()
	global.Reset()
	tok, _ := env.reg.Disconnect(keyA, 0)
	waitToken(t, tok) //nolint:errcheck // Only events matter here
	if n := len(global.Events()); n != 0 {
		t.Errorf("events after remove = %d, want 0", n)
	}
}

func TestListenerPanicDoesNotStopDelivery(t *testing.T) {
	env := newTestEnv(t, nil)
	key, rec := env.create(t, Options{})
	if _, err := env.reg.AddListener(key, events.ListenerFunc(func(events.Event) {
		panic("listener bug")
	})); err != nil {
		t.Fatalf("AddListener() error = %v", err)
	}

	env.connect(t, key)
	if n := len(rec.OfKind(events.KindConnect)); n != 1 {
		t.Errorf("connect events = %d, want 1", n)
	}
}

func TestCloseAll_KeepsStoredMessages(t *testing.T) {
	st := openTestStore(t)
	l := linktest.New()
	env := newTestEnv(t, st, l)
	key, _ := env.create(t, Options{AckMode: AckManual})
	env.connect(t, key)

	l.Arrive("a/b", link.Message{Payload: []byte("keep")})
	env.settle(t, key)

	if err := env.reg.CloseAll(); err != nil {
		t.Fatalf("CloseAll() error = %v", err)
	}
	if !l.IsClosed() {
		t.Error("link not closed by CloseAll")
	}

	n, err := st.Count(context.Background(), key)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 1 {
		t.Errorf("stored after CloseAll = %d, want 1", n)
	}

	if _, err := env.reg.GetOrCreate(testIdentity, Options{}); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("GetOrCreate() after CloseAll error = %v, want ErrConnectionClosed", err)
	}
	if err := env.reg.CloseAll(); err != nil {
		t.Errorf("second CloseAll() error = %v", err)
	}
}
