package registry

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeStore struct {
	failStoreUser bool
	stored        []User
	usersToReturn []User
}

func (f *fakeStore) StoreUser(ctx context.Context, user User) error {
	if f.failStoreUser {
		return errors.New("simulated store failure")
	}
	f.stored = append(f.stored, user)
	return nil
}

func (f *fakeStore) GetUsers(ctx context.Context, opts GetUsersOptions) ([]User, error) {
	return f.usersToReturn, nil
}

type fakeBroadcaster struct {
	disconnected []User
	reasons      []string
}

func (f *fakeBroadcaster) BroadcastUserDisconnected(user User, reason string) {
	f.disconnected = append(f.disconnected, user)
	f.reasons = append(f.reasons, reason)
}

func newTestRegistry(store Store) *Registry {
	return New(store, 10, time.Minute, nil)
}

func TestStoreUser_CreatesNewUser(t *testing.T) {
	store := &fakeStore{}
	r := newTestRegistry(store)

	u, err := r.StoreUser(context.Background(), "sock1", "user1", "alice", true, nil)
	if err != nil {
		t.Fatalf("StoreUser() error = %v", err)
	}
	if u.State != UserAuthenticated {
		t.Errorf("State = %v, want %v", u.State, UserAuthenticated)
	}
	if len(u.Sockets) != 1 {
		t.Fatalf("len(Sockets) = %d, want 1", len(u.Sockets))
	}
	if len(store.stored) != 1 {
		t.Errorf("store.stored count = %d, want 1", len(store.stored))
	}
}

func TestStoreUser_AddsSecondSessionToSameUser(t *testing.T) {
	store := &fakeStore{}
	r := newTestRegistry(store)

	if _, err := r.StoreUser(context.Background(), "sock1", "user1", "alice", true, nil); err != nil {
		t.Fatalf("StoreUser() first call error = %v", err)
	}
	u, err := r.StoreUser(context.Background(), "sock2", "user1", "alice", false, nil)
	if err != nil {
		t.Fatalf("StoreUser() second call error = %v", err)
	}
	if len(u.Sockets) != 2 {
		t.Fatalf("len(Sockets) = %d, want 2", len(u.Sockets))
	}
	// Reduction rule: any authenticated session means the user is authenticated.
	if u.State != UserAuthenticated {
		t.Errorf("State = %v, want %v", u.State, UserAuthenticated)
	}
}

func TestStoreUser_RollsBackOnPersistenceFailure(t *testing.T) {
	store := &fakeStore{failStoreUser: true}
	r := newTestRegistry(store)

	_, err := r.StoreUser(context.Background(), "sock1", "user1", "alice", true, nil)
	if err == nil {
		t.Fatal("StoreUser() expected error")
	}

	if _, ok := r.GetUserBySocketID("sock1"); ok {
		t.Fatal("GetUserBySocketID() found a session that should have been rolled back")
	}
}

func TestStoreUser_CapacityExceeded(t *testing.T) {
	store := &fakeStore{}
	r := New(store, 1, time.Minute, nil)

	if _, err := r.StoreUser(context.Background(), "sock1", "user1", "alice", true, nil); err != nil {
		t.Fatalf("first StoreUser() error = %v", err)
	}

	_, err := r.StoreUser(context.Background(), "sock2", "user2", "bob", true, nil)
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("second StoreUser() error = %v, want ErrCapacityExceeded", err)
	}
}

func TestDisconnectUser_LastSessionBroadcasts(t *testing.T) {
	store := &fakeStore{}
	bc := &fakeBroadcaster{}
	r := newTestRegistry(store)
	r.SetBroadcaster(bc)

	if _, err := r.StoreUser(context.Background(), "sock1", "user1", "alice", true, nil); err != nil {
		t.Fatalf("StoreUser() error = %v", err)
	}

	u, ok := r.DisconnectUser("sock1", DisconnectManual)
	if !ok {
		t.Fatal("DisconnectUser() returned ok = false")
	}
	if u.State != UserOffline {
		t.Errorf("State = %v, want %v", u.State, UserOffline)
	}
	if len(bc.disconnected) != 1 {
		t.Fatalf("broadcast count = %d, want 1", len(bc.disconnected))
	}
	if bc.reasons[0] != string(DisconnectManual) {
		t.Errorf("reason = %v, want %v", bc.reasons[0], DisconnectManual)
	}
}

func TestDisconnectUser_UnknownSocket(t *testing.T) {
	r := newTestRegistry(&fakeStore{})
	_, ok := r.DisconnectUser("ghost", DisconnectManual)
	if ok {
		t.Fatal("DisconnectUser() expected ok = false for unknown socket")
	}
}

func TestDisconnectUser_OtherSessionsSurvive(t *testing.T) {
	store := &fakeStore{}
	bc := &fakeBroadcaster{}
	r := newTestRegistry(store)
	r.SetBroadcaster(bc)

	r.StoreUser(context.Background(), "sock1", "user1", "alice", true, nil)
	r.StoreUser(context.Background(), "sock2", "user1", "alice", true, nil)

	u, ok := r.DisconnectUser("sock1", DisconnectManual)
	if !ok {
		t.Fatal("DisconnectUser() returned ok = false")
	}
	if u.State != UserAuthenticated {
		t.Errorf("State = %v, want %v (one session remains)", u.State, UserAuthenticated)
	}
	if len(bc.disconnected) != 0 {
		t.Errorf("broadcast count = %d, want 0 (user still has a session)", len(bc.disconnected))
	}
}

func TestFailInsecureSocketID(t *testing.T) {
	r := newTestRegistry(&fakeStore{})
	r.StoreUser(context.Background(), "sock1", "user1", "alice", false, nil)

	if _, err := r.RequireAuthenticated("sock1"); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("RequireAuthenticated() error = %v, want ErrNotAuthenticated", err)
	}
	if _, err := r.RequireAuthenticated("ghost"); !errors.Is(err, ErrUnknownSocket) {
		t.Errorf("RequireAuthenticated() error = %v, want ErrUnknownSocket", err)
	}

	r.StoreUser(context.Background(), "sock1", "user1", "alice", true, nil)
	if _, err := r.RequireAuthenticated("sock1"); err != nil {
		t.Errorf("RequireAuthenticated() error = %v, want nil", err)
	}
}

func TestGetUserSockets(t *testing.T) {
	r := newTestRegistry(&fakeStore{})
	r.StoreUser(context.Background(), "sock1", "user1", "alice", true, nil)
	r.StoreUser(context.Background(), "sock2", "user1", "alice", true, nil)

	sockets := r.GetUserSockets("user1")
	if len(sockets) != 2 {
		t.Fatalf("len(sockets) = %d, want 2", len(sockets))
	}
}

func TestGetUsers_FiltersByState(t *testing.T) {
	r := newTestRegistry(&fakeStore{})
	r.StoreUser(context.Background(), "sock1", "user1", "alice", true, nil)
	r.StoreUser(context.Background(), "sock2", "user2", "bob", false, nil)

	authed, err := r.GetUsers(context.Background(), GetUsersOptions{States: []UserState{UserAuthenticated}})
	if err != nil {
		t.Fatalf("GetUsers() error = %v", err)
	}
	if len(authed) != 1 || authed[0].UserID != "user1" {
		t.Fatalf("GetUsers() = %+v, want only user1", authed)
	}
}

func TestCheckInactivity_ReapsStaleSessionAndBroadcasts(t *testing.T) {
	store := &fakeStore{}
	bc := &fakeBroadcaster{}
	r := New(store, 10, time.Millisecond, nil)
	r.SetBroadcaster(bc)

	r.StoreUser(context.Background(), "sock1", "user1", "alice", true, nil)
	time.Sleep(5 * time.Millisecond)

	r.checkInactivity()

	if _, ok := r.GetUserBySocketID("sock1"); ok {
		t.Fatal("GetUserBySocketID() found a session that should have been reaped")
	}
	if len(bc.disconnected) != 1 {
		t.Fatalf("broadcast count = %d, want 1", len(bc.disconnected))
	}
	if bc.reasons[0] != string(DisconnectInactivity) {
		t.Errorf("reason = %v, want %v", bc.reasons[0], DisconnectInactivity)
	}
}

func TestCheckInactivity_TouchedSessionSurvives(t *testing.T) {
	store := &fakeStore{}
	r := New(store, 10, 50*time.Millisecond, nil)

	r.StoreUser(context.Background(), "sock1", "user1", "alice", true, nil)
	r.Touch("sock1")
	r.checkInactivity()

	if _, ok := r.GetUserBySocketID("sock1"); !ok {
		t.Fatal("GetUserBySocketID() expected touched session to survive")
	}
}
