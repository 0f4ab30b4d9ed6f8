package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"collabClient/backend/internal/cursor"
)

// CollaboratorCache 基于 redis 的协作者名单和光标，多个 bridge 进程共享
type CollaboratorCache struct {
	rdb redis.UniversalClient
	now func() time.Time
}

var _ cursor.Store = (*CollaboratorCache)(nil)

func NewCollaboratorCache(rdb redis.UniversalClient) *CollaboratorCache {
	return &CollaboratorCache{rdb: rdb, now: time.Now}
}

// 清理过期成员：score=expireAt，expireAt <= now 视为过期
var expireScript = redis.NewScript(`
-- KEYS[1] = rosterKey(section)
-- KEYS[2] = namesKey(section)
-- ARGV[1] = now (unix millis)
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// Touch 刷新逻辑 TTL，同时写名字和光标
func (c *CollaboratorCache) Touch(ctx context.Context, sectionID string, col cursor.Collaborator, ttl time.Duration) error {
	data, err := json.Marshal(col)
	if err != nil {
		return err
	}
	expireAt := c.now().Add(ttl).UnixMilli()
	tx := c.rdb.TxPipeline()
	tx.ZAdd(ctx, rosterKey(sectionID), redis.Z{Score: float64(expireAt), Member: col.UserID})
	tx.HSet(ctx, namesKey(sectionID), col.UserID, col.Username)
	tx.Set(ctx, cursorKey(sectionID, col.UserID), data, ttl)
	_, err = tx.Exec(ctx)
	return err
}

func (c *CollaboratorCache) Alive(ctx context.Context, sectionID string) ([]cursor.Collaborator, error) {
	now := c.now().UnixMilli()
	err := expireScript.Run(ctx, c.rdb, []string{rosterKey(sectionID), namesKey(sectionID)}, now).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	ids, err := c.rdb.ZRangeByScore(ctx, rosterKey(sectionID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := c.rdb.Pipeline()
	namesCmd := pipe.HMGet(ctx, namesKey(sectionID), ids...)
	cursorCmds := make([]*redis.StringCmd, len(ids))
	userIDs := make([]uint64, len(ids))
	for i, id := range ids {
		uid, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return nil, err
		}
		userIDs[i] = uid
		cursorCmds[i] = pipe.Get(ctx, cursorKey(sectionID, uid))
	}
	// 光标键可能已经单独过期，redis.Nil 不算错误
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	names := namesCmd.Val()
	out := make([]cursor.Collaborator, 0, len(ids))
	for i, uid := range userIDs {
		col := cursor.Collaborator{UserID: uid}
		if raw, err := cursorCmds[i].Bytes(); err == nil {
			if err := json.Unmarshal(raw, &col); err != nil {
				return nil, err
			}
		}
		if i < len(names) && names[i] != nil {
			col.Username, _ = names[i].(string)
		}
		out = append(out, col)
	}
	return out, nil
}

func (c *CollaboratorCache) Remove(ctx context.Context, sectionID string, userID uint64) error {
	member := strconv.FormatUint(userID, 10)
	tx := c.rdb.TxPipeline()
	tx.ZRem(ctx, rosterKey(sectionID), member)
	tx.HDel(ctx, namesKey(sectionID), member)
	tx.Del(ctx, cursorKey(sectionID, userID))
	_, err := tx.Exec(ctx)
	return err
}
