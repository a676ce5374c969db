package cache

import (
	"context"
	"errors"
	"math/rand"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	MemberBaseTTL = 10 * time.Minute
	MemberJitter  = time.Minute     // random extra on top of MemberBaseTTL
	NonMemberTTL  = 1 * time.Minute // negative entries
)

const (
	memberMark    = "1"
	nonMemberMark = "-1"
)

// MembershipSource is the authoritative collaborator check.
type MembershipSource interface {
	IsCollaborator(ctx context.Context, docID, userID string) (bool, error)
}

// Membership is a read-through redis cache in front of a MembershipSource.
// Concurrent misses for one key hit the source once.
type Membership struct {
	rdb redis.UniversalClient
	src MembershipSource
	sf  singleflight.Group
}

func NewMembership(rdb redis.UniversalClient, src MembershipSource) *Membership {
	return &Membership{rdb: rdb, src: src}
}

func memberTTL() time.Duration {
	return MemberBaseTTL + time.Duration(rand.Int63n(int64(MemberJitter)))
}

func (m *Membership) IsCollaborator(ctx context.Context, docID, userID string) (bool, error) {
	key := memberKey(docID, userID)
	v, err, _ := m.sf.Do(key, func() (any, error) {
		res, err := m.rdb.Get(ctx, key).Result()
		switch {
		case err == nil:
			return res == memberMark, nil
		case !errors.Is(err, redis.Nil):
			// cache unavailable
			return m.src.IsCollaborator(ctx, docID, userID)
		}

		ok, err := m.src.IsCollaborator(ctx, docID, userID)
		if err != nil {
			return false, err
		}
		if ok {
			_ = m.rdb.Set(ctx, key, memberMark, memberTTL()).Err()
		} else {
			_ = m.rdb.Set(ctx, key, nonMemberMark, NonMemberTTL).Err()
		}
		return ok, nil
	})
	if err != nil {
		return false, err
	}
	ok, _ := v.(bool)
	return ok, nil
}

// Forget drops a cached answer after the collaborator set changed.
func (m *Membership) Forget(ctx context.Context, docID, userID string) error {
	return m.rdb.Del(ctx, memberKey(docID, userID)).Err()
}
