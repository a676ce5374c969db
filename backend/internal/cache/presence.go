package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"collabnote/backend/internal/awareness"
)

// PresenceCache mirrors awareness entries into redis so presence is visible
// across server instances and to the REST presence endpoint.
type PresenceCache interface {
	AddMember(ctx context.Context, docID string, p awareness.ClientPresence, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID, clientID string) error
	GetDocuments(ctx context.Context) ([]string, error)
	GetAliveMembers(ctx context.Context, docID string) ([]awareness.ClientPresence, error)
	SetCursor(ctx context.Context, docID, clientID string, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, docID, clientID string) ([]byte, error)
}

type redisPresence struct {
	rdb redis.UniversalClient
	now func() time.Time
}

// NewRedisPresence accepts a single-node or cluster client.
func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb, now: time.Now}
}

// expired members are dropped from both the ZSet and the names hash in one step
var cleanupScript = redis.NewScript(`
-- KEYS[1] = roomKey(docID)   e.g. presence:room:{docID:x}
-- KEYS[2] = namesKey(docID)  e.g. presence:room:names:{docID:x}
-- ARGV[1] = now (unix seconds)
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

type cursor struct {
	Anchor *int `json:"anchor,omitempty"`
	Head   *int `json:"head,omitempty"`
}

func (p *redisPresence) AddMember(ctx context.Context, docID string, m awareness.ClientPresence, ttl time.Duration) error {
	cur := cursor{Anchor: m.CursorAnchor, Head: m.CursorHead}
	m.CursorAnchor, m.CursorHead = nil, nil
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	// refreshing the TTL is just another AddMember
	expireAt := p.now().Add(ttl).Unix()
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: m.ClientID})
	tx.HSet(ctx, namesKey(docID), m.ClientID, data)
	if cur.Anchor != nil || cur.Head != nil {
		b, _ := json.Marshal(cur)
		tx.Set(ctx, cursorKey(docID, m.ClientID), b, ttl)
	} else {
		tx.Del(ctx, cursorKey(docID, m.ClientID))
	}
	if _, err = tx.Exec(ctx); err != nil {
		return err
	}
	// docs set lives on its own slot, outside the transaction
	return p.rdb.SAdd(ctx, docsKey(), docID).Err()
}

func (p *redisPresence) RemoveMember(ctx context.Context, docID, clientID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), clientID)
	tx.HDel(ctx, namesKey(docID), clientID)
	tx.Del(ctx, cursorKey(docID, clientID))
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) GetDocuments(ctx context.Context) ([]string, error) {
	docs, err := p.rdb.SMembers(ctx, docsKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return docs, nil
}

func (p *redisPresence) SetCursor(ctx context.Context, docID, clientID string, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(docID, clientID), jsonData, ttl).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, docID, clientID string) ([]byte, error) {
	return p.rdb.Get(ctx, cursorKey(docID, clientID)).Bytes()
}

func (p *redisPresence) GetAliveMembers(ctx context.Context, docID string) ([]awareness.ClientPresence, error) {
	// step1: drop expired members; score=expireAt, expireAt <= now is expired
	now := p.now().Unix()
	if err := cleanupScript.Run(ctx, p.rdb, []string{roomKey(docID), namesKey(docID)}, now).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	// step2: alive members
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: batch-load their states
	states, err := p.rdb.HMGet(ctx, namesKey(docID), aliveIDs...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]awareness.ClientPresence, 0, len(aliveIDs))
	for i, v := range states {
		m := awareness.ClientPresence{ClientID: aliveIDs[i], DocumentID: docID}
		if s, ok := v.(string); ok {
			_ = json.Unmarshal([]byte(s), &m)
		}
		if b, err := p.GetCursor(ctx, docID, m.ClientID); err == nil {
			var cur cursor
			if json.Unmarshal(b, &cur) == nil {
				m.CursorAnchor, m.CursorHead = cur.Anchor, cur.Head
			}
		}
		members = append(members, m)
	}
	return members, nil
}
