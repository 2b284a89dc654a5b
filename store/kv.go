package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const DefaultBucket = "interactables"

// KVStore 基于 NATS JetStream KeyValue 的实现
type KVStore struct {
	kv      jetstream.KeyValue
	timeout time.Duration
	log     *zap.SugaredLogger
}

// OpenKV 在已建立的连接上创建（或复用）bucket。timeout 为单次读写上限，<=0 时不设上限。
func OpenKV(ctx context.Context, nc *nats.Conn, bucket string, timeout time.Duration, log *zap.SugaredLogger) (*KVStore, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if bucket == "" {
		bucket = DefaultBucket
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "door and seat state per space",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("opening kv bucket %s: %w", bucket, err)
	}
	return &KVStore{kv: kv, timeout: timeout, log: log}, nil
}

func (s *KVStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *KVStore) Get(ctx context.Context, spaceID, objID string) (State, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := Key(spaceID, objID)
	entry, err := s.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return State{}, false, nil
	}
	if err != nil {
		s.log.Warnw("kv get failed", "key", key, "error", err)
		return State{}, false, fmt.Errorf("get %s: %w: %v", key, ErrUnavailable, err)
	}

	var st State
	if err := json.Unmarshal(entry.Value(), &st); err != nil {
		return State{}, false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return st, true, nil
}

func (s *KVStore) Set(ctx context.Context, spaceID, objID string, st State) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := Key(spaceID, objID)
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if _, err := s.kv.Put(ctx, key, data); err != nil {
		s.log.Warnw("kv put failed", "key", key, "error", err)
		return fmt.Errorf("put %s: %w: %v", key, ErrUnavailable, err)
	}
	return nil
}

// Key 生成 space.<spaceID>.<objID>，id 中 NATS key 不允许的字符转义为 =XX
func Key(spaceID, objID string) string {
	return "space." + escapeToken(spaceID) + "." + escapeToken(objID)
}

func escapeToken(s string) string {
	if s == "" {
		return "="
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "=%02X", c)
		}
	}
	return b.String()
}
