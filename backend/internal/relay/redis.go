package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"

	redis "github.com/redis/go-redis/v9"

	"collabClient/backend/internal/ws"
)

var ErrRelayClosed = errors.New("RELAY_CLOSED")

// 频道：上行 collab:up:{section}，下行 collab:down:{section}
const (
	upPrefix   = "collab:up:"
	downPrefix = "collab:down:"
)

func UpChannel(sectionID string) string   { return upPrefix + sectionID }
func DownChannel(sectionID string) string { return downPrefix + sectionID }

type subscription struct {
	pubsub   *redis.PubSub
	handlers map[uint64]ws.Handler
}

// Redis 经 redis pub/sub 转发的上游通道，和 ws.Client 提供同样的 Send / Subscribe。
// 服务端协作者与 bridge 不直连时使用
type Redis struct {
	rdb    redis.UniversalClient
	logger *log.Logger

	mu     sync.Mutex
	subs   map[string]*subscription
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

func NewRedis(rdb redis.UniversalClient, logger *log.Logger) *Redis {
	if logger == nil {
		logger = log.Default()
	}
	return &Redis{rdb: rdb, logger: logger, subs: make(map[string]*subscription)}
}

func (r *Redis) Send(ctx context.Context, msg ws.ClientMessage) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrRelayClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, UpChannel(msg.SectionID), data).Err()
}

// Subscribe 同一个 section 共用一个 PubSub；sectionID 为空时按模式订阅全部
func (r *Redis) Subscribe(sectionID string, fn ws.Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	if r.closed {
		return func() {}
	}
	sub, ok := r.subs[sectionID]
	if !ok {
		ctx := context.Background()
		var ps *redis.PubSub
		if sectionID == "" {
			ps = r.rdb.PSubscribe(ctx, downPrefix+"*")
		} else {
			ps = r.rdb.Subscribe(ctx, DownChannel(sectionID))
		}
		sub = &subscription{pubsub: ps, handlers: make(map[uint64]ws.Handler)}
		r.subs[sectionID] = sub
		r.wg.Add(1)
		go r.loop(sub)
	}
	sub.handlers[id] = fn
	return func() { r.unsubscribe(sectionID, sub, id) }
}

func (r *Redis) unsubscribe(sectionID string, sub *subscription, id uint64) {
	r.mu.Lock()
	delete(sub.handlers, id)
	last := len(sub.handlers) == 0 && r.subs[sectionID] == sub
	if last {
		delete(r.subs, sectionID)
	}
	r.mu.Unlock()
	if last {
		_ = sub.pubsub.Close()
	}
}

func (r *Redis) loop(sub *subscription) {
	defer r.wg.Done()
	for m := range sub.pubsub.Channel() {
		var msg ws.ServerMessage
		if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
			r.logger.Printf("relay: drop malformed message channel=%s err=%v", m.Channel, err)
			continue
		}
		if msg.SectionID == "" {
			msg.SectionID = strings.TrimPrefix(m.Channel, downPrefix)
		}
		r.mu.Lock()
		handlers := make([]ws.Handler, 0, len(sub.handlers))
		for _, fn := range sub.handlers {
			handlers = append(handlers, fn)
		}
		r.mu.Unlock()
		for _, fn := range handlers {
			fn(msg)
		}
	}
}

func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = map[string]*subscription{}
	r.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.pubsub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.wg.Wait()
	return errors.Join(errs...)
}
