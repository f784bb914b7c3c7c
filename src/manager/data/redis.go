package data

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	archiveLockPrefix  = "fleet:archive:lock:"
	archiveUnreachable = "fleet:archive:unreachable"
	streamArchive      = "fleet.archive.events"
)

func MustRedis(url string) *redis.Client {
	opt, err := redis.ParseURL(url)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	return redis.NewClient(opt)
}

// ArchiveLock is a redis-backed per-session mutex for the archive pipeline.
type ArchiveLock struct {
	Rdb *redis.Client
	TTL time.Duration
}

func (l ArchiveLock) ttl() time.Duration {
	if l.TTL > 0 {
		return l.TTL
	}
	return 2 * time.Minute
}

func (l ArchiveLock) Acquire(ctx context.Context, sessionKey string) (bool, error) {
	return l.Rdb.SetNX(ctx, archiveLockPrefix+sessionKey, "1", l.ttl()).Result()
}

func (l ArchiveLock) Release(ctx context.Context, sessionKey string) error {
	return l.Rdb.Del(ctx, archiveLockPrefix+sessionKey).Err()
}

// ArchiveEvents publishes archive pipeline outcomes for dashboards and audit.
type ArchiveEvents struct {
	Rdb *redis.Client
}

func (e ArchiveEvents) Committed(ctx context.Context, instanceID, sessionKey, batchID string, rows int) error {
	_, err := e.Rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamArchive,
		Values: map[string]interface{}{
			"instance": instanceID,
			"session":  sessionKey,
			"batch":    batchID,
			"rows":     rows,
		},
	}).Result()
	return err
}

// PeerUnreachable counts soft-degraded archives so the tradeoff stays
// observable instead of silently swallowed.
func (e ArchiveEvents) PeerUnreachable(ctx context.Context, instanceID, sessionKey string) {
	if err := e.Rdb.Incr(ctx, archiveUnreachable).Err(); err != nil {
		log.Printf("archive events: unreachable counter: %v", err)
	}
}
