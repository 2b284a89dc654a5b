package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/pixil98/go-testutil"

	"tilespace/world"
)

func TestSession_JoinSnapshot(t *testing.T) {
	h := newHarness(t)

	alice := h.connect("alice")
	alice.send(TypeJoin, map[string]any{"spaceId": "space-1"})
	msgs := alice.out.drain()
	testutil.AssertEqual(t, "alice messages", len(msgs), 1)
	joined := decode[spaceJoinedPayload](t, msgs[0])
	testutil.AssertEqual(t, "self id", joined.Self.ID, "alice")
	testutil.AssertEqual(t, "self char", joined.Self.Char, "adam")
	testutil.AssertEqual(t, "self x", joined.Self.X, 0.0)
	testutil.AssertEqual(t, "self y", joined.Self.Y, 0.0)
	testutil.AssertEqual(t, "players", len(joined.Players), 0)

	bob := h.connect("bob")
	bob.send(TypeJoin, map[string]any{"spaceId": "space-1"})
	joined = decode[spaceJoinedPayload](t, last(t, bob.out.drain(), TypeSpaceJoined))
	testutil.AssertEqual(t, "bob char", joined.Self.Char, "amelia")
	testutil.AssertEqual(t, "bob sees", len(joined.Players), 1)
	testutil.AssertEqual(t, "peer id", joined.Players[0].ID, "alice")
	testutil.AssertEqual(t, "peer char", joined.Players[0].Char, "adam")

	msgs = alice.out.drain()
	testutil.AssertEqual(t, "alice notified", len(msgs), 1)
	info := decode[PlayerInfo](t, msgs[0])
	testutil.AssertEqual(t, "notify type", msgs[0].Type, TypeUserJoined)
	testutil.AssertEqual(t, "joined user", info.ID, "bob")

	sp, ok := h.reg.Get("space-1")
	testutil.AssertEqual(t, "space active", ok, true)
	testutil.AssertEqual(t, "sessions", sp.SessionCount(), 2)
}

func TestSession_JoinRejected(t *testing.T) {
	tests := map[string]struct {
		user    string
		spaceID string
		expMsg  string
	}{
		"unknown space": {user: "alice", spaceID: "nope", expMsg: msgSpaceNotFound},
		"not a member":  {user: "mallory", spaceID: "space-1", expMsg: msgNotMember},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			bob := h.join("bob")

			c := h.connect(tt.user)
			c.send(TypeJoin, map[string]any{"spaceId": tt.spaceID})

			msgs := c.out.drain()
			testutil.AssertEqual(t, "messages", len(msgs), 1)
			testutil.AssertEqual(t, "type", msgs[0].Type, TypeError)
			testutil.AssertEqual(t, "message", decode[errorPayload](t, msgs[0]).Message, tt.expMsg)
			testutil.AssertEqual(t, "closed", c.out.isClosed(), true)

			// 连接关闭前已缓冲的消息不再处理
			c.send(TypeJoin, map[string]any{"spaceId": "space-1"})
			c.move(100, 100)
			testutil.AssertEqual(t, "after rejection", len(c.out.drain()), 0)
			testutil.AssertEqual(t, "peers untouched", len(bob.out.drain()), 0)

			c.sess.Close(context.Background())
			testutil.AssertEqual(t, "no user-left", len(bob.out.drain()), 0)

			sp, _ := h.reg.Get("space-1")
			testutil.AssertEqual(t, "sessions", sp.SessionCount(), 1)
			testutil.AssertEqual(t, "loader calls", h.loader.calls.Load(), int32(1))
		})
	}
}

func TestSession_JoinActivationFailure(t *testing.T) {
	h := newHarness(t)
	h.loader.err = errors.New("map missing")

	c := h.connect("alice")
	c.send(TypeJoin, map[string]any{"spaceId": "space-1"})
	msg := last(t, c.out.drain(), TypeError)
	testutil.AssertEqual(t, "message", decode[errorPayload](t, msg).Message, msgJoinFailed)
	testutil.AssertEqual(t, "closed", c.out.isClosed(), false)

	// 激活失败不缓存，修复后可以再次加入
	h.loader.err = nil
	c.send(TypeJoin, map[string]any{"spaceId": "space-1"})
	msgs := c.out.drain()
	testutil.AssertEqual(t, "count", len(msgs), 1)
	testutil.AssertEqual(t, "joined", msgs[0].Type, TypeSpaceJoined)
}

func TestSession_ProtocolErrors(t *testing.T) {
	h := newHarness(t)
	c := h.connect("alice")

	c.move(10, 10)
	msg := last(t, c.out.drain(), TypeError)
	testutil.AssertEqual(t, "move before join", decode[errorPayload](t, msg).Message, msgJoinFirst)

	c.press("door-1")
	msg = last(t, c.out.drain(), TypeError)
	testutil.AssertEqual(t, "press before join", decode[errorPayload](t, msg).Message, msgJoinFirst)

	c.sess.Handle(context.Background(), []byte(`not json`))
	testutil.AssertEqual(t, "malformed dropped", len(c.out.drain()), 0)

	c.sess.Handle(context.Background(), []byte(`{"type":"dance","payload":{}}`))
	msg = last(t, c.out.drain(), TypeError)
	if got := decode[errorPayload](t, msg).Message; !strings.Contains(got, "unknown message type") {
		t.Errorf("unexpected error message %q", got)
	}

	c.send(TypeJoin, map[string]any{"spaceId": "space-1"})
	c.out.drain()

	c.send(TypeJoin, map[string]any{"spaceId": "space-1"})
	msg = last(t, c.out.drain(), TypeError)
	testutil.AssertEqual(t, "double join", decode[errorPayload](t, msg).Message, msgAlreadyJoined)

	c.send(TypeMove, map[string]any{"newX": 1, "newY": 1, "spaceId": "space-2"})
	msg = last(t, c.out.drain(), TypeError)
	testutil.AssertEqual(t, "space mismatch", decode[errorPayload](t, msg).Message, msgSpaceMismatch)

	c.press("lamp-9")
	msg = last(t, c.out.drain(), TypeError)
	testutil.AssertEqual(t, "unknown object", decode[errorPayload](t, msg).Message, msgObjNotFound)

	testutil.AssertEqual(t, "still open", c.out.isClosed(), false)
}

func TestSession_MoveBlocked(t *testing.T) {
	h := newHarness(t)
	alice := h.join("alice")
	bob := h.join("bob")
	alice.out.drain()

	alice.move(16, 16)

	msgs := alice.out.drain()
	testutil.AssertEqual(t, "alice messages", len(msgs), 1)
	testutil.AssertEqual(t, "type", msgs[0].Type, TypeMovementRestricted)
	pos := decode[positionPayload](t, msgs[0])
	testutil.AssertEqual(t, "x", pos.X, 0.0)
	testutil.AssertEqual(t, "y", pos.Y, 0.0)
	testutil.AssertEqual(t, "peers untouched", len(bob.out.drain()), 0)
}

func TestSession_MoveIntoTrigger(t *testing.T) {
	h := newHarness(t)
	alice := h.join("alice")
	bob := h.join("bob")
	alice.out.drain()

	alice.move(32, 32)

	msgs := alice.out.drain()
	testutil.AssertEqual(t, "count", len(msgs), 2)
	testutil.AssertEqual(t, "first", msgs[0].Type, TypeMovementApproved)
	testutil.AssertEqual(t, "second", msgs[1].Type, TypeShowTrigger)
	pos := decode[positionPayload](t, msgs[0])
	testutil.AssertEqual(t, "x", pos.X, 32.0)
	testutil.AssertEqual(t, "y", pos.Y, 32.0)
	testutil.AssertEqual(t, "trigger", decode[triggerPayload](t, msgs[1]).ObjID, "trigger-7")

	peer := bob.out.drain()
	testutil.AssertEqual(t, "peer messages", len(peer), 1)
	moved := decode[playerMovedPayload](t, peer[0])
	testutil.AssertEqual(t, "peer type", peer[0].Type, TypePlayerMoved)
	testutil.AssertEqual(t, "moved user", moved.UserID, "alice")
	testutil.AssertEqual(t, "moved x", moved.X, 32.0)

	alice.move(100, 100)
	msgs = alice.out.drain()
	testutil.AssertEqual(t, "count", len(msgs), 2)
	testutil.AssertEqual(t, "left trigger", msgs[1].Type, TypeNoTrigger)
}

func TestSession_DoorToggle(t *testing.T) {
	h := newHarness(t)
	alice := h.join("alice")
	bob := h.join("bob")
	alice.out.drain()

	// 关闭的门阻挡移动
	alice.move(64, 16)
	testutil.AssertEqual(t, "closed door blocks", last(t, alice.out.drain(), TypeMovementRestricted).Type, TypeMovementRestricted)

	alice.press("door-1")
	msgs := alice.out.drain()
	testutil.AssertEqual(t, "alice count", len(msgs), 2)
	result := decode[objectStatePayload](t, msgs[0])
	testutil.AssertEqual(t, "result type", msgs[0].Type, TypeTriggerPressedResult)
	testutil.AssertEqual(t, "result state", result.State, world.DoorOpen)
	testutil.AssertEqual(t, "caller broadcast", msgs[1].Type, TypeObjectStateChanged)

	peer := bob.out.drain()
	testutil.AssertEqual(t, "bob count", len(peer), 1)
	changed := decode[objectStatePayload](t, peer[0])
	testutil.AssertEqual(t, "bob obj", changed.ObjID, "door-1")
	testutil.AssertEqual(t, "bob state", changed.State, world.DoorOpen)

	sp, _ := h.reg.Get("space-1")
	state, _ := sp.DoorState("door-1")
	testutil.AssertEqual(t, "cached", state, world.DoorOpen)
	rec, ok, err := h.store.Get(context.Background(), "space-1", "door-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	testutil.AssertEqual(t, "persisted", ok, true)
	testutil.AssertEqual(t, "persisted state", rec.State, world.DoorOpen)

	alice.move(64, 16)
	testutil.AssertEqual(t, "open door passes", alice.out.drain()[0].Type, TypeMovementApproved)

	bob.out.drain()
	bob.press("door-1")
	result = decode[objectStatePayload](t, last(t, bob.out.drain(), TypeTriggerPressedResult))
	testutil.AssertEqual(t, "toggled back", result.State, world.DoorClose)
	changed = decode[objectStatePayload](t, last(t, alice.out.drain(), TypeObjectStateChanged))
	testutil.AssertEqual(t, "alice sees close", changed.State, world.DoorClose)
}

func TestSession_SeatContention(t *testing.T) {
	h := newHarness(t)
	alice := h.join("alice")
	bob := h.join("bob")
	alice.out.drain()

	alice.press("chair-1")
	msgs := alice.out.drain()
	testutil.AssertEqual(t, "alice count", len(msgs), 1)
	sit := decode[chairActionPayload](t, msgs[0])
	testutil.AssertEqual(t, "type", msgs[0].Type, TypeChairAction)
	testutil.AssertEqual(t, "action", sit.Action, "sit")
	testutil.AssertEqual(t, "sit x", sit.X, 40.0)
	testutil.AssertEqual(t, "sit y", sit.Y, 64.0)
	testutil.AssertEqual(t, "direction", sit.Direction, "left")

	sat := decode[seatPayload](t, last(t, bob.out.drain(), TypePlayerSatDown))
	testutil.AssertEqual(t, "sat user", sat.UserID, "alice")
	testutil.AssertEqual(t, "sat char", sat.Char, "adam")

	bob.press("chair-1")
	msg := last(t, bob.out.drain(), TypeError)
	testutil.AssertEqual(t, "occupied", decode[errorPayload](t, msg).Message, msgChairOccupied)
	testutil.AssertEqual(t, "no broadcast on rejection", len(alice.out.drain()), 0)

	// 坐下时不能移动
	alice.move(0, 0)
	msgs = alice.out.drain()
	restricted := decode[positionPayload](t, msgs[0])
	testutil.AssertEqual(t, "restricted", msgs[0].Type, TypeMovementRestricted)
	testutil.AssertEqual(t, "stays seated x", restricted.X, 40.0)
	testutil.AssertEqual(t, "reason", restricted.Message, msgSitting)

	alice.press("chair-1")
	stand := decode[chairActionPayload](t, last(t, alice.out.drain(), TypeChairAction))
	testutil.AssertEqual(t, "action", stand.Action, "stand")
	testutil.AssertEqual(t, "stand x", stand.X, 48.0)
	testutil.AssertEqual(t, "stand y", stand.Y, 32.0)
	stood := decode[seatPayload](t, last(t, bob.out.drain(), TypePlayerStoodUp))
	testutil.AssertEqual(t, "stood user", stood.UserID, "alice")

	bob.press("chair-1")
	sit = decode[chairActionPayload](t, last(t, bob.out.drain(), TypeChairAction))
	testutil.AssertEqual(t, "bob sits", sit.Action, "sit")

	sp, _ := h.reg.Get("space-1")
	holder, ok := sp.SeatHolder("chair-1")
	testutil.AssertEqual(t, "held", ok, true)
	testutil.AssertEqual(t, "holder", holder, "bob")
}

func TestSession_StoreFailureLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t)
	alice := h.join("alice")
	bob := h.join("bob")
	alice.out.drain()

	h.store.SetFailing(true)

	alice.press("door-1")
	msg := last(t, alice.out.drain(), TypeError)
	testutil.AssertEqual(t, "door error", decode[errorPayload](t, msg).Message, msgStoreFailed)

	alice.press("chair-1")
	msg = last(t, alice.out.drain(), TypeError)
	testutil.AssertEqual(t, "seat error", decode[errorPayload](t, msg).Message, msgStoreFailed)
	testutil.AssertEqual(t, "no broadcast", len(bob.out.drain()), 0)

	sp, _ := h.reg.Get("space-1")
	state, _ := sp.DoorState("door-1")
	testutil.AssertEqual(t, "door unchanged", state, world.DoorClose)
	_, held := sp.SeatHolder("chair-1")
	testutil.AssertEqual(t, "seat free", held, false)

	// 未坐下，仍可移动
	alice.move(100, 100)
	testutil.AssertEqual(t, "can move", alice.out.drain()[0].Type, TypeMovementApproved)

	h.store.SetFailing(false)
	alice.press("door-1")
	state, _ = sp.DoorState("door-1")
	testutil.AssertEqual(t, "door opens after recovery", state, world.DoorOpen)
}

func TestSession_Disconnect(t *testing.T) {
	h := newHarness(t)
	alice := h.join("alice")
	bob := h.join("bob")
	alice.out.drain()

	alice.press("chair-1")
	bob.out.drain()

	alice.sess.Close(context.Background())
	alice.sess.Close(context.Background())

	msgs := bob.out.drain()
	testutil.AssertEqual(t, "bob count", len(msgs), 2)
	testutil.AssertEqual(t, "stood up first", msgs[0].Type, TypePlayerStoodUp)
	testutil.AssertEqual(t, "then left", msgs[1].Type, TypeUserLeft)
	testutil.AssertEqual(t, "stood-up count", countType(msgs, TypePlayerStoodUp), 1)
	stood := decode[seatPayload](t, msgs[0])
	testutil.AssertEqual(t, "stood user", stood.UserID, "alice")
	testutil.AssertEqual(t, "stood seat", stood.ObjID, "chair-1")
	testutil.AssertEqual(t, "user-left count", countType(msgs, TypeUserLeft), 1)
	testutil.AssertEqual(t, "left user", decode[userLeftPayload](t, last(t, msgs, TypeUserLeft)).UserID, "alice")

	sp, _ := h.reg.Get("space-1")
	testutil.AssertEqual(t, "sessions", sp.SessionCount(), 1)
	_, held := sp.SeatHolder("chair-1")
	testutil.AssertEqual(t, "seat released", held, false)
	rec, _, _ := h.store.Get(context.Background(), "space-1", "chair-1")
	testutil.AssertEqual(t, "persisted release", rec.Occupied, false)

	// 断开后的消息被忽略
	alice.move(100, 100)
	testutil.AssertEqual(t, "ignored", len(alice.out.drain()), 0)

	bob.press("chair-1")
	sit := decode[chairActionPayload](t, last(t, bob.out.drain(), TypeChairAction))
	testutil.AssertEqual(t, "bob sits", sit.Action, "sit")
}

func TestSession_UnboundDisconnect(t *testing.T) {
	h := newHarness(t)
	bob := h.join("bob")

	c := h.connect("alice")
	c.sess.Close(context.Background())
	testutil.AssertEqual(t, "no user-left", len(bob.out.drain()), 0)
}

func TestSession_DuplicateUserDisplaces(t *testing.T) {
	h := newHarness(t)
	bob := h.join("bob")
	first := h.join("alice")
	bob.out.drain()

	second := h.join("alice")

	msg := last(t, first.out.drain(), TypeError)
	testutil.AssertEqual(t, "displaced message", decode[errorPayload](t, msg).Message, msgReplaced)
	testutil.AssertEqual(t, "displaced closed", first.out.isClosed(), true)
	testutil.AssertEqual(t, "bob sees rejoin", countType(bob.out.drain(), TypeUserJoined), 1)

	sp, _ := h.reg.Get("space-1")
	testutil.AssertEqual(t, "sessions", sp.SessionCount(), 2)

	first.move(100, 100)
	msg = last(t, first.out.drain(), TypeError)
	testutil.AssertEqual(t, "stale session", decode[errorPayload](t, msg).Message, msgReplaced)

	first.sess.Close(context.Background())
	testutil.AssertEqual(t, "no user-left for displaced", countType(bob.out.drain(), TypeUserLeft), 0)
	testutil.AssertEqual(t, "sessions after stale close", sp.SessionCount(), 2)

	second.sess.Close(context.Background())
	testutil.AssertEqual(t, "user-left", countType(bob.out.drain(), TypeUserLeft), 1)
}

func TestSession_RejoinAfterEviction(t *testing.T) {
	h := newHarness(t)
	alice := h.join("alice")
	alice.sess.Close(context.Background())

	first, _ := h.reg.Get("space-1")
	testutil.AssertEqual(t, "evicted", h.reg.sweep(0), 1)

	bob := h.join("bob")
	second, ok := h.reg.Get("space-1")
	testutil.AssertEqual(t, "reactivated", ok, true)
	testutil.AssertEqual(t, "new instance", first != second, true)
	testutil.AssertEqual(t, "bob present", second.SessionCount(), 1)
	testutil.AssertEqual(t, "loader calls", h.loader.calls.Load(), int32(2))
	bob.sess.Close(context.Background())
}

func TestSession_DisplacedSeatReleased(t *testing.T) {
	h := newHarness(t)
	bob := h.join("bob")
	first := h.join("alice")
	first.press("chair-1")
	bob.out.drain()

	second := h.join("alice")

	msgs := bob.out.drain()
	testutil.AssertEqual(t, "bob count", len(msgs), 2)
	testutil.AssertEqual(t, "stood up", msgs[0].Type, TypePlayerStoodUp)
	testutil.AssertEqual(t, "rejoined", msgs[1].Type, TypeUserJoined)
	testutil.AssertEqual(t, "stood seat", decode[seatPayload](t, msgs[0]).ObjID, "chair-1")

	sp, _ := h.reg.Get("space-1")
	_, held := sp.SeatHolder("chair-1")
	testutil.AssertEqual(t, "seat free", held, false)
	rec, _, _ := h.store.Get(context.Background(), "space-1", "chair-1")
	testutil.AssertEqual(t, "persisted release", rec.Occupied, false)

	// 新连接可以坐回自己的座位
	second.press("chair-1")
	sit := decode[chairActionPayload](t, last(t, second.out.drain(), TypeChairAction))
	testutil.AssertEqual(t, "sits again", sit.Action, "sit")
	bob.out.drain()

	first.sess.Close(context.Background())
	testutil.AssertEqual(t, "stale close is silent", len(bob.out.drain()), 0)
	holder, held := sp.SeatHolder("chair-1")
	testutil.AssertEqual(t, "still held", held, true)
	testutil.AssertEqual(t, "holder", holder, "alice")
}

func TestSession_ConcurrentInteractions(t *testing.T) {
	const n = 8
	h := newHarness(t)

	clients := make([]*client, n)
	for i := range clients {
		id := fmt.Sprintf("user-%d", i)
		h.dir.spaces["space-1"].Participants[id] = "bob"
		clients[i] = h.join(id)
	}
	for _, c := range clients {
		c.out.drain()
	}

	presses := 0
	for i := range clients {
		presses++
		if i%3 == 0 {
			presses++
		}
	}

	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c *client) {
			defer wg.Done()
			c.move(float64(96+i), 96)
			c.press("door-1")
			c.press("chair-1")
			c.move(float64(96+i), 112)
			if i%3 == 0 {
				c.press("door-1")
			}
		}(i, c)
	}
	wg.Wait()

	received := make([][]serverMsg, n)
	for i, c := range clients {
		received[i] = c.out.drain()
	}

	sits, occupied, toggles := 0, 0, 0
	sitter := ""
	for i, msgs := range received {
		for _, m := range msgs {
			switch m.Type {
			case TypeChairAction:
				if decode[chairActionPayload](t, m).Action == "sit" {
					sits++
					sitter = clients[i].sess.UserID
				}
			case TypeError:
				if decode[errorPayload](t, m).Message == msgChairOccupied {
					occupied++
				}
			case TypeTriggerPressedResult:
				toggles++
			}
		}
	}
	testutil.AssertEqual(t, "one sitter", sits, 1)
	testutil.AssertEqual(t, "others rejected", occupied, n-1)
	testutil.AssertEqual(t, "every toggle applied", toggles, presses)

	sp, _ := h.reg.Get("space-1")
	holder, held := sp.SeatHolder("chair-1")
	testutil.AssertEqual(t, "seat held", held, true)
	testutil.AssertEqual(t, "holder", holder, sitter)

	expState := world.DoorClose
	if toggles%2 == 1 {
		expState = world.DoorOpen
	}
	state, _ := sp.DoorState("door-1")
	testutil.AssertEqual(t, "door parity", state, expState)
	rec, _, _ := h.store.Get(context.Background(), "space-1", "door-1")
	testutil.AssertEqual(t, "persisted door", rec.State, expState)

	// 每个会话都按同一顺序收到了全部门状态变化
	for i, msgs := range received {
		testutil.AssertEqual(t, fmt.Sprintf("user-%d door updates", i), countType(msgs, TypeObjectStateChanged), toggles)
		final := decode[objectStatePayload](t, last(t, msgs, TypeObjectStateChanged))
		testutil.AssertEqual(t, fmt.Sprintf("user-%d final door", i), final.State, expState)
	}
}
