// Package dedup 在 Redis 中记录已处理的消息投递，用于丢弃相同内容的重复投递。
//
// 键由 (chat, message id, 内容摘要) 组成：内容变化的编辑会得到新键，因此仍会被处理。
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "marketfeed:dedup:msg:"

type Deduplicator struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewDeduplicator(rdb *redis.Client, ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Deduplicator{
		rdb: rdb,
		ttl: ttl,
	}
}

// IsDuplicate 原子地标记投递，已标记过时返回 true。nil Deduplicator 从不判重。
func (d *Deduplicator) IsDuplicate(ctx context.Context, chat string, id int64, content []byte) (bool, error) {
	if d == nil || d.rdb == nil || chat == "" {
		return false, nil
	}
	ok, err := d.rdb.SetNX(ctx, key(chat, id, content), "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return !ok, nil
}

// Delete 清除标记，使同一投递可以被重新处理（例如保存失败时）。
func (d *Deduplicator) Delete(ctx context.Context, chat string, id int64, content []byte) error {
	if d == nil || d.rdb == nil || chat == "" {
		return nil
	}
	if err := d.rdb.Del(ctx, key(chat, id, content)).Err(); err != nil {
		return fmt.Errorf("dedup del: %w", err)
	}
	return nil
}

func key(chat string, id int64, content []byte) string {
	sum := sha256.Sum256(content)
	return keyPrefix + chat + ":" + strconv.FormatInt(id, 10) + ":" + hex.EncodeToString(sum[:8])
}
