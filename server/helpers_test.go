package server

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"tilespace/directory"
	"tilespace/store"
	"tilespace/world"
)

// serverMsg 解码后的出站消息
type serverMsg struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// recordingOutbox 记录所有入队消息
type recordingOutbox struct {
	mu     sync.Mutex
	msgs   []serverMsg
	closed bool
}

func (o *recordingOutbox) Enqueue(b []byte) {
	var m serverMsg
	if err := json.Unmarshal(b, &m); err != nil {
		panic(err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, m)
}

func (o *recordingOutbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
}

func (o *recordingOutbox) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// drain 返回并清空已记录的消息
func (o *recordingOutbox) drain() []serverMsg {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.msgs
	o.msgs = nil
	return out
}

// types 只取消息类型，便于比较顺序
func types(msgs []serverMsg) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Type)
	}
	return out
}

func countType(msgs []serverMsg, typ string) int {
	n := 0
	for _, m := range msgs {
		if m.Type == typ {
			n++
		}
	}
	return n
}

func decode[T any](t *testing.T, m serverMsg) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(m.Payload, &v); err != nil {
		t.Fatalf("decoding %s payload: %v", m.Type, err)
	}
	return v
}

// last 返回最后一条指定类型的消息
func last(t *testing.T, msgs []serverMsg, typ string) serverMsg {
	t.Helper()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type == typ {
			return msgs[i]
		}
	}
	t.Fatalf("no %s message in %v", typ, types(msgs))
	return serverMsg{}
}

type fakeDirectory struct {
	spaces map[string]*directory.Space
	err    error
}

func (d *fakeDirectory) LookupSpace(_ context.Context, spaceID string) (*directory.Space, error) {
	if d.err != nil {
		return nil, d.err
	}
	sp, ok := d.spaces[spaceID]
	if !ok {
		return nil, directory.ErrNotFound
	}
	return sp, nil
}

type fakeLoader struct {
	geo   *world.Geometry
	err   error
	calls atomic.Int32
}

func (l *fakeLoader) Load(_ context.Context, _ string) (*world.Geometry, error) {
	l.calls.Add(1)
	if l.err != nil {
		return nil, l.err
	}
	return l.geo, nil
}

// officeGeometry 测试用地图：一面墙、一个触发区、一扇门、一把椅子，出生点 (0,0)
func officeGeometry() *world.Geometry {
	door := world.Interactable{
		ObjID:        "door-1",
		Kind:         world.KindDoor,
		Bounds:       world.Rect{X: 64, Y: 16, W: 16, H: 32},
		DefaultState: world.DoorClose,
	}
	chair := world.Interactable{
		ObjID:     "chair-1",
		Kind:      world.KindSeat,
		Bounds:    world.Rect{X: 48, Y: 48, W: 16, H: 16},
		Direction: "left",
	}
	return &world.Geometry{
		MapID:      "office",
		Width:      20,
		Height:     15,
		TileSize:   world.TileSize,
		Collisions: []world.Rect{{X: 16, Y: 16, W: 16, H: 16}},
		Triggers:   []world.Trigger{{ObjID: "trigger-7", Rect: world.Rect{X: 32, Y: 32, W: 16, H: 16}}},
		Interactables: map[string]world.Interactable{
			door.ObjID:  door,
			chair.ObjID: chair,
		},
		InteractableIDs: []string{door.ObjID, chair.ObjID},
		Spawn:           world.Point{X: 0, Y: 0},
	}
}

func officeDirectory() *fakeDirectory {
	return &fakeDirectory{spaces: map[string]*directory.Space{
		"space-1": {
			ID:          "space-1",
			MapID:       "office",
			AdminID:     "alice",
			AdminAvatar: "adam",
			Participants: map[string]string{
				"bob":   "amelia",
				"carol": "bob",
			},
		},
	}}
}

type harness struct {
	t      *testing.T
	dir    *fakeDirectory
	loader *fakeLoader
	store  *store.MemoryStore
	reg    *Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		dir:    officeDirectory(),
		loader: &fakeLoader{geo: officeGeometry()},
		store:  store.NewMemoryStore(),
	}
	h.reg = NewRegistry(h.loader, h.store)
	return h
}

type client struct {
	sess *Session
	out  *recordingOutbox
}

func (h *harness) connect(userID string) *client {
	out := &recordingOutbox{}
	return &client{sess: NewSession(userID, out, h.reg, h.dir), out: out}
}

// join 连接并加入 space-1，清空收到的消息
func (h *harness) join(userID string) *client {
	h.t.Helper()
	c := h.connect(userID)
	c.send(TypeJoin, map[string]any{"spaceId": "space-1"})
	if got := types(c.out.drain()); len(got) == 0 || got[0] != TypeSpaceJoined {
		h.t.Fatalf("%s: expected space-joined, got %v", userID, got)
	}
	return c
}

func (c *client) send(typ string, payload any) {
	b, err := json.Marshal(map[string]any{"type": typ, "payload": payload})
	if err != nil {
		panic(err)
	}
	c.sess.Handle(context.Background(), b)
}

func (c *client) move(x, y float64) {
	c.send(TypeMove, map[string]any{"newX": x, "newY": y, "spaceId": "space-1"})
}

func (c *client) press(objID string) {
	c.send(TypeTriggerPressed, map[string]any{"objId": objID})
}
