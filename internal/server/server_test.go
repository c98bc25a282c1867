package server

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/npezzotti/chatrooms/internal/auth"
	"github.com/npezzotti/chatrooms/internal/database"
	"github.com/npezzotti/chatrooms/internal/stats"
	"github.com/npezzotti/chatrooms/internal/testutil"
	"github.com/npezzotti/chatrooms/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type stubVerifier struct {
	identity types.Identity
	err      error
}

func (v stubVerifier) Verify(string) (types.Identity, error) {
	return v.identity, v.err
}

// newTestChatServer creates a ChatServer whose metrics calls are all allowed.
func newTestChatServer(t *testing.T, store database.Store, su *stats.MockStatsUpdater) *ChatServer {
	t.Helper()
	su.On("RegisterMetric", mock.Anything).Times(2)
	su.On("RegisterCounter", mock.Anything).Times(2)
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()

	cs, err := NewChatServer(testutil.TestLogger(t), store, stubVerifier{}, su, time.Minute)
	require.NoError(t, err, "failed to create test ChatServer")
	return cs
}

func newTestClient(t *testing.T, cs *ChatServer, userId int) *Client {
	t.Helper()
	c := newClient(types.Identity{UserId: userId, Username: fmt.Sprintf("user%d", userId)}, nil, cs, testutil.TestLogger(t))
	require.NoError(t, cs.addClient(c))
	return c
}

func receive(t *testing.T, c *Client) *ServerMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message on client %s", c.id)
		return nil
	}
}

func assertNoMessage(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Errorf("expected no message for client %s, got %+v", c.id, msg)
	default:
	}
}

func expectJoin(db *database.MockGoChatRepository, userId, roomId int) {
	db.On("IsMember", userId, roomId).Return(true, nil)
	db.On("SetOnline", userId, true).Return(nil)
}

func (cs *ChatServer) activeRooms() int {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()
	return len(cs.rooms)
}

func TestNewChatServer(t *testing.T) {
	db := &database.MockGoChatRepository{}
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", mock.Anything).Times(2)
	su.On("RegisterCounter", mock.Anything).Times(2)

	logger := testutil.TestLogger(t)
	cs, err := NewChatServer(logger, db, stubVerifier{}, su, 0)
	require.NoError(t, err, "expected no error creating ChatServer")
	assert.Equal(t, logger, cs.log, "expected logger to be set")
	assert.Equal(t, db, cs.store, "expected store to be set")
	assert.Equal(t, DefaultIdleRoomTimeout, cs.idleTimeout, "expected default idle timeout")
	assert.NotNil(t, cs.registry, "expected registry to be initialized")
	assert.NotNil(t, cs.unloadRoomChan, "expected unloadRoomChan to be initialized")
	assert.NotNil(t, cs.stop, "expected stop channel to be initialized")

	_, err = NewChatServer(logger, nil, stubVerifier{}, su, 0)
	assert.Error(t, err, "expected error without a store")
}

func TestChatServerAuthenticate(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything)
	su.On("RegisterCounter", mock.Anything)

	want := types.Identity{UserId: 1, Username: "alice"}
	cs, err := NewChatServer(testutil.TestLogger(t), &database.MockGoChatRepository{}, stubVerifier{identity: want}, su, 0)
	require.NoError(t, err)

	got, err := cs.Authenticate("token")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	cs.verifier = stubVerifier{err: auth.ErrTokenExpired}
	_, err = cs.Authenticate("token")
	assert.ErrorIs(t, err, auth.ErrTokenExpired)
}

func TestChatServerJoin(t *testing.T) {
	t.Run("not a member", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		defer db.AssertExpectations(t)
		db.On("IsMember", 1, 7).Return(false, nil)

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		c := newTestClient(t, cs, 1)

		err := cs.Join(context.Background(), c, 7)
		assert.ErrorIs(t, err, ErrNotMember)
		assert.Empty(t, cs.registry.Subscribers(7), "expected registry to stay empty")
		db.AssertNotCalled(t, "SetOnline", mock.Anything, mock.Anything)

		msg := receive(t, c)
		assert.Equal(t, EventError, msg.Event)
		assert.Equal(t, ErrorPayload{Message: "not a member of this room"}, msg.Data)
	})

	t.Run("member is subscribed and marked online", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		defer db.AssertExpectations(t)
		expectJoin(db, 1, 7)

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		c := newTestClient(t, cs, 1)

		require.NoError(t, cs.Join(context.Background(), c, 7))
		assert.True(t, cs.registry.IsSubscribed(7, c))
		assertNoMessage(t, c)
	})

	t.Run("membership lookup unavailable", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		unavailable := &database.PersistError{Kind: database.Unavailable, Op: "is member", Err: errors.New("connection refused")}
		db.On("IsMember", 1, 7).Return(false, unavailable)

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		c := newTestClient(t, cs, 1)

		err := cs.Join(context.Background(), c, 7)
		assert.True(t, database.IsKind(err, database.Unavailable), "expected Unavailable, got %v", err)
		assert.False(t, cs.registry.IsSubscribed(7, c))

		msg := receive(t, c)
		assert.Equal(t, ErrorPayload{Message: "service unavailable, try again later"}, msg.Data)
	})

	t.Run("online flag not persisted", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		db.On("IsMember", 1, 7).Return(true, nil)
		db.On("SetOnline", 1, true).Return(&database.PersistError{Kind: database.Unavailable, Op: "set online", Err: errors.New("timeout")})

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		c := newTestClient(t, cs, 1)

		assert.Error(t, cs.Join(context.Background(), c, 7))
		assert.False(t, cs.registry.IsSubscribed(7, c), "expected failed persistence to abort the join")
	})

	t.Run("session disconnected while joining", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		defer db.AssertExpectations(t)
		db.On("IsMember", 1, 7).Return(true, nil)
		db.On("SetOnline", 1, true).Return(nil)
		db.On("SetOnline", 1, false).Return(nil)

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		c := newTestClient(t, cs, 1)
		c.closed.Store(true)
		cs.removeClient(c)

		err := cs.Join(context.Background(), c, 7)
		assert.ErrorIs(t, err, ErrSessionClosed)
		assert.Empty(t, cs.registry.Subscribers(7))
	})
}

func TestChatServerSendMessage(t *testing.T) {
	createdAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("broadcasts the persisted row to every subscriber", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		defer db.AssertExpectations(t)
		expectJoin(db, 1, 7)
		expectJoin(db, 2, 7)
		expectJoin(db, 3, 8)
		db.On("AppendMessage", database.AppendMessageParams{
			Content:     "hi",
			UserId:      1,
			RoomId:      7,
			MessageType: database.MessageTypeUser,
		}).Return(database.Message{
			Id:          42,
			Content:     "hi",
			CreatedAt:   createdAt,
			UserId:      1,
			RoomId:      7,
			MessageType: database.MessageTypeUser,
		}, nil).Once()

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		alice := newTestClient(t, cs, 1)
		bob := newTestClient(t, cs, 2)
		carol := newTestClient(t, cs, 3)

		ctx := context.Background()
		require.NoError(t, cs.Join(ctx, alice, 7))
		require.NoError(t, cs.Join(ctx, bob, 7))
		require.NoError(t, cs.Join(ctx, carol, 8))

		require.NoError(t, cs.SendMessage(ctx, alice, 7, "hi", nil))

		for _, c := range []*Client{alice, bob} {
			msg := receive(t, c)
			assert.Equal(t, EventChatMessage, msg.Event)
			got, ok := msg.Data.(types.Message)
			require.True(t, ok, "expected chat message payload")
			assert.Equal(t, 42, got.Id, "expected the id assigned by persistence")
			assert.Equal(t, createdAt, got.CreatedAt, "expected the timestamp assigned by persistence")
			assert.Equal(t, types.MessageTypeUser, got.MessageType)
			assertNoMessage(t, c)
		}
		assertNoMessage(t, carol)
	})

	t.Run("rejected when the store says not a member", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		db.On("IsMember", 1, 7).Return(false, nil)

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		alice := newTestClient(t, cs, 1)
		bob := newTestClient(t, cs, 2)
		// stale subscriptions from before the membership was revoked
		cs.registry.Subscribe(7, alice)
		cs.registry.Subscribe(7, bob)

		err := cs.SendMessage(context.Background(), alice, 7, "hi", nil)
		assert.ErrorIs(t, err, ErrNotMember)
		db.AssertNotCalled(t, "AppendMessage", mock.Anything)

		msg := receive(t, alice)
		assert.Equal(t, EventError, msg.Event)
		assertNoMessage(t, alice)
		assertNoMessage(t, bob)
	})

	t.Run("persistence unavailable", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		db.On("IsMember", 1, 7).Return(true, nil)
		db.On("AppendMessage", mock.Anything).Return(database.Message{},
			&database.PersistError{Kind: database.Unavailable, Op: "append message", Err: errors.New("circuit breaker is open")})

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		alice := newTestClient(t, cs, 1)
		bob := newTestClient(t, cs, 2)
		cs.registry.Subscribe(7, alice)
		cs.registry.Subscribe(7, bob)

		err := cs.SendMessage(context.Background(), alice, 7, "hi", nil)
		assert.True(t, database.IsKind(err, database.Unavailable), "expected Unavailable, got %v", err)

		msg := receive(t, alice)
		assert.Equal(t, EventError, msg.Event)
		assert.Equal(t, ErrorPayload{Message: "service unavailable, try again later"}, msg.Data)
		assertNoMessage(t, alice)
		assertNoMessage(t, bob)
	})

	t.Run("empty message", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		alice := newTestClient(t, cs, 1)

		err := cs.SendMessage(context.Background(), alice, 7, "  ", nil)
		var protoErr *ProtocolError
		assert.ErrorAs(t, err, &protoErr)
		db.AssertNotCalled(t, "IsMember", mock.Anything, mock.Anything)
	})

	t.Run("image is persisted and broadcast", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		db.On("IsMember", 1, 7).Return(true, nil)
		db.On("AppendMessage", database.AppendMessageParams{
			UserId:      1,
			RoomId:      7,
			MessageType: database.MessageTypeUser,
			Image:       pngHeader,
		}).Return(database.Message{Id: 5, UserId: 1, RoomId: 7, MessageType: database.MessageTypeUser, Image: pngHeader}, nil)

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		alice := newTestClient(t, cs, 1)
		cs.registry.Subscribe(7, alice)

		require.NoError(t, cs.SendMessage(context.Background(), alice, 7, "", pngHeader))
		got := receive(t, alice).Data.(types.Message)
		assert.Equal(t, pngHeader, got.Image)
	})
}

func TestChatServer_PerRoomOrdering(t *testing.T) {
	db := &database.MockGoChatRepository{}
	db.On("IsMember", mock.Anything, 7).Return(true, nil)
	for i, content := range []string{"A", "B", "C", "D"} {
		db.On("AppendMessage", mock.MatchedBy(func(p database.AppendMessageParams) bool {
			return p.Content == content
		})).Return(database.Message{Id: i + 1, Content: content, UserId: 1, RoomId: 7}, nil).Once()
	}

	cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
	alice := newTestClient(t, cs, 1)
	bob := newTestClient(t, cs, 2)
	cs.registry.Subscribe(7, alice)
	cs.registry.Subscribe(7, bob)

	// frames are queued without waiting, as the read pump does
	for _, content := range []string{"A", "B", "C", "D"} {
		alice.handleFrame(rawFrame(t, EventMessage, map[string]any{"room_id": 7, "content": content}))
	}

	for _, c := range []*Client{alice, bob} {
		var order []string
		for range 4 {
			order = append(order, receive(t, c).Data.(types.Message).Content)
		}
		assert.Equal(t, []string{"A", "B", "C", "D"}, order, "expected persisted order for client %s", c.id)
	}
}

func TestChatServerLeave(t *testing.T) {
	db := &database.MockGoChatRepository{}
	defer db.AssertExpectations(t)
	expectJoin(db, 1, 7)

	cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
	alice := newTestClient(t, cs, 1)

	ctx := context.Background()
	require.NoError(t, cs.Join(ctx, alice, 7))
	require.NoError(t, cs.Leave(ctx, alice, 7))
	assert.False(t, cs.registry.IsSubscribed(7, alice))

	// leaving a room the session is not in is a no-op
	require.NoError(t, cs.Leave(ctx, alice, 9))
	assertNoMessage(t, alice)
}

func TestChatServerDisconnect(t *testing.T) {
	t.Run("drops the session from every room", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		defer db.AssertExpectations(t)
		db.On("SetOnline", 1, false).Return(nil).Once()

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		alice := newTestClient(t, cs, 1)
		bob := newTestClient(t, cs, 2)
		cs.registry.Subscribe(3, alice)
		cs.registry.Subscribe(5, alice)
		cs.registry.Subscribe(5, bob)

		cs.Disconnect(alice)
		cs.Disconnect(alice)

		assert.False(t, cs.registry.IsSubscribed(3, alice))
		assert.False(t, cs.registry.IsSubscribed(5, alice))
		assert.True(t, cs.registry.IsSubscribed(5, bob))
		assert.False(t, cs.hasSessions(1))

		select {
		case <-alice.stop:
		default:
			t.Error("expected client to be stopped")
		}

		cs.registry.Broadcast(5, NewRoomDeletedMessage(5))
		assertNoMessage(t, alice)
	})

	t.Run("user stays online with another session", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		phone := newTestClient(t, cs, 1)
		laptop := newTestClient(t, cs, 1)

		cs.Disconnect(phone)
		db.AssertNotCalled(t, "SetOnline", 1, false)
		assert.True(t, cs.hasSessions(1))

		db.On("SetOnline", 1, false).Return(nil).Once()
		cs.Disconnect(laptop)
		db.AssertExpectations(t)
	})
}

func TestChatServerNotifyRoomEvent(t *testing.T) {
	cs := newTestChatServer(t, &database.MockGoChatRepository{}, &stats.MockStatsUpdater{})
	alice := newTestClient(t, cs, 1)
	cs.registry.Subscribe(7, alice)

	system := types.Message{Id: 11, Content: "bob joined group general", RoomId: 7, UserId: 2, MessageType: types.MessageTypeSystem}
	require.NoError(t, cs.NotifyRoomEvent(context.Background(), 7, system))

	msg := receive(t, alice)
	assert.Equal(t, EventChatMessage, msg.Event)
	assert.Equal(t, system, msg.Data)

	assert.Error(t, cs.NotifyRoomEvent(context.Background(), 8, system), "expected room mismatch to be rejected")
}

func TestChatServerEvictRoom(t *testing.T) {
	cs := newTestChatServer(t, &database.MockGoChatRepository{}, &stats.MockStatsUpdater{})
	alice := newTestClient(t, cs, 1)
	bob := newTestClient(t, cs, 2)
	cs.registry.Subscribe(7, alice)
	cs.registry.Subscribe(7, bob)
	cs.registry.Subscribe(8, bob)

	require.NoError(t, cs.EvictRoom(context.Background(), 7))

	for _, c := range []*Client{alice, bob} {
		msg := receive(t, c)
		assert.Equal(t, EventRoomDeleted, msg.Event)
		assert.Equal(t, RoomDeleted{RoomId: 7}, msg.Data)
	}
	assert.Empty(t, cs.registry.Subscribers(7))
	assert.True(t, cs.registry.IsSubscribed(8, bob))
}

func TestChatServer_submitQueueFull(t *testing.T) {
	cs := newTestChatServer(t, &database.MockGoChatRepository{}, &stats.MockStatsUpdater{})
	alice := newTestClient(t, cs, 1)

	// a worker that is never started
	r := newRoomWorker(7, cs)
	cs.rooms[7] = r
	for range roomQueueSize {
		r.queue <- &roomTask{kind: taskLeave, roomId: 7, client: alice}
	}

	err := cs.submit(&roomTask{kind: taskLeave, roomId: 7, client: alice})
	assert.ErrorIs(t, err, ErrServiceUnavailable)

	alice.handleFrame(rawFrame(t, EventLeaveRoom, map[string]any{"room_id": 7}))
	msg := receive(t, alice)
	assert.Equal(t, ErrorPayload{Message: "service unavailable, try again later"}, msg.Data)
}

func TestChatServer_submitRoomWorkerLimit(t *testing.T) {
	db := &database.MockGoChatRepository{}
	cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
	cs.SetMaxRoomWorkers(1)
	alice := newTestClient(t, cs, 1)

	require.NoError(t, cs.Leave(context.Background(), alice, 7))
	require.Equal(t, 1, cs.activeRooms())

	err := cs.Leave(context.Background(), alice, 8)
	assert.ErrorIs(t, err, ErrServiceUnavailable, "expected a new room to be refused at the limit")
	assert.Equal(t, 1, cs.activeRooms())

	assert.NoError(t, cs.Leave(context.Background(), alice, 7), "expected the loaded room to keep working")
}

func TestChatServer_unloadsRejectedRooms(t *testing.T) {
	db := &database.MockGoChatRepository{}
	db.On("IsMember", 1, 99).Return(false, nil)
	expectJoin(db, 1, 7)
	db.On("IsMember", 2, 7).Return(false, nil)
	db.On("SetOnline", mock.Anything, false).Return(nil).Maybe()

	cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
	go cs.Run()
	t.Cleanup(func() { cs.Shutdown(context.Background()) })

	alice := newTestClient(t, cs, 1)
	bob := newTestClient(t, cs, 2)

	err := cs.Join(context.Background(), alice, 99)
	require.ErrorIs(t, err, ErrNotMember)
	assert.Eventually(t, func() bool { return cs.activeRooms() == 0 }, time.Second, 10*time.Millisecond,
		"expected the worker of a room nobody may join to unload")

	// a room with live subscribers keeps its worker
	require.NoError(t, cs.Join(context.Background(), alice, 7))
	err = cs.Join(context.Background(), bob, 7)
	require.ErrorIs(t, err, ErrNotMember)
	assert.Never(t, func() bool { return cs.activeRooms() == 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestChatServer_unloadsIdleRooms(t *testing.T) {
	db := &database.MockGoChatRepository{}
	expectJoin(db, 1, 7)
	db.On("SetOnline", 1, false).Return(nil).Maybe()

	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Times(2)
	su.On("RegisterCounter", mock.Anything).Times(2)
	su.On("Incr", "NumConnectedClients")
	su.On("Incr", "NumActiveRooms").Once()
	su.On("Decr", "NumActiveRooms").Once()

	cs, err := NewChatServer(testutil.TestLogger(t), db, stubVerifier{}, su, 20*time.Millisecond)
	require.NoError(t, err)
	go cs.Run()
	t.Cleanup(func() { cs.Shutdown(context.Background()) })

	alice := newTestClient(t, cs, 1)
	require.NoError(t, cs.Join(context.Background(), alice, 7))

	assert.Eventually(t, func() bool { return cs.activeRooms() == 0 }, time.Second, 10*time.Millisecond,
		"expected idle room worker to unload")
	assert.True(t, cs.registry.IsSubscribed(7, alice), "expected subscription to outlive the worker")
	su.AssertExpectations(t)
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("stops rooms and sessions", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		defer db.AssertExpectations(t)
		expectJoin(db, 1, 7) // both of alice's devices
		expectJoin(db, 2, 7)
		db.On("SetOnline", 1, false).Return(nil).Once()
		db.On("SetOnline", 2, false).Return(nil).Once()

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		go cs.Run()

		alice := newTestClient(t, cs, 1)
		alicePhone := newTestClient(t, cs, 1)
		bob := newTestClient(t, cs, 2)
		require.NoError(t, cs.Join(context.Background(), alice, 7))
		require.NoError(t, cs.Join(context.Background(), alicePhone, 7))
		require.NoError(t, cs.Join(context.Background(), bob, 7))
		require.Equal(t, 1, cs.activeRooms())

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, cs.Shutdown(ctx))

		assert.Equal(t, 0, cs.activeRooms())
		assert.Empty(t, cs.registry.Subscribers(7), "expected the registry to be cleared")
		assert.Empty(t, cs.registry.Rooms(alice), "expected alice to hold no subscriptions")
		assert.False(t, cs.registry.IsSubscribed(7, alice))
		assert.False(t, cs.hasSessions(1), "expected no sessions left for alice")
		assert.False(t, cs.hasSessions(2), "expected no sessions left for bob")
		for _, c := range []*Client{alice, alicePhone, bob} {
			assert.True(t, c.isClosed(), "expected client %s to be closed", c.id)
			select {
			case <-c.stop:
			default:
				t.Errorf("expected client %s to be stopped", c.id)
			}
		}
		db.AssertNumberOfCalls(t, "SetOnline", 5)

		assert.ErrorIs(t, cs.Join(context.Background(), alice, 7), ErrServerClosed)
		_, err := cs.Connect(types.Identity{UserId: 2, Username: "bob"}, nil)
		assert.ErrorIs(t, err, ErrServerClosed)
	})

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockGoChatRepository{}, &stats.MockStatsUpdater{})

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		// Run is never started
		err := cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
