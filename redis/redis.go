package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog"

	"goxbridge/config"
	"goxbridge/ledger"
	"goxbridge/logger"
	"goxbridge/types"
)

const (
	createdIndex = "transfers:created"
)

func recordKey(id string) string {
	return "transfer:" + id
}

func statusSet(s types.Status) string {
	return "transfers:status:" + string(s)
}

func senderSet(sender string) string {
	return "transfers:sender:" + strings.ToLower(sender)
}

// Ledger stores transfers as JSON records with a set per status, a set per
// sender and a creation time index. Every Put is one MULTI/EXEC block.
type Ledger struct {
	pool *redis.Pool
	log  zerolog.Logger
}

var _ ledger.Ledger = (*Ledger)(nil)

func timeoutDialOptions(password string) []redis.DialOption {
	opts := []redis.DialOption{
		redis.DialConnectTimeout(5 * time.Second),
		redis.DialReadTimeout(5 * time.Second),
		redis.DialWriteTimeout(5 * time.Second),
	}
	if password != "" {
		opts = append(opts, redis.DialPassword(password))
	}
	return opts
}

func New(addr, password string) *Ledger {
	return &Ledger{
		pool: &redis.Pool{
			MaxIdle:     5,
			IdleTimeout: 4 * time.Minute,
			Dial:        func() (redis.Conn, error) { return redis.Dial("tcp", addr, timeoutDialOptions(password)...) },
		},
		log: logger.Component("redis"),
	}
}

func Init() *Ledger {
	redisAddr := fmt.Sprintf("%s:%d", config.Config.Server.RedisHost, config.Config.Server.RedisPort)
	return New(redisAddr, config.Config.Server.RedisPassword)
}

func (l *Ledger) Close() error {
	return l.pool.Close()
}

func (l *Ledger) Ping(ctx context.Context) error {
	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Do("PING")
	return err
}

// Put writes the record and moves its id to the set of its current status
func (l *Ledger) Put(ctx context.Context, t *types.Transfer) error {
	if t == nil {
		return errors.New("null object to store")
	}
	if t.ID == "" || t.Status == "" {
		return errors.New("transfer cannot have empty id or status")
	}
	recJSON, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("cannot marshal transfer to JSON: %w", err)
	}

	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_ = conn.Send("MULTI")
	_ = conn.Send("SET", recordKey(t.ID), recJSON)
	for _, s := range types.Statuses {
		if s != t.Status {
			_ = conn.Send("SREM", statusSet(s), t.ID)
		}
	}
	_ = conn.Send("SADD", statusSet(t.Status), t.ID)
	_ = conn.Send("ZADD", createdIndex, "NX", t.CreatedAt.UnixMilli(), t.ID)
	if t.SenderAddress != "" {
		_ = conn.Send("SADD", senderSet(t.SenderAddress), t.ID)
	}
	if _, err := conn.Do("EXEC"); err != nil {
		l.log.Error().Err(err).Str("transfer", t.ID).Msg("error Redis EXEC")
		return err
	}
	return nil
}

func (l *Ledger) Get(ctx context.Context, id string) (*types.Transfer, error) {
	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	rec, err := redis.Bytes(conn.Do("GET", recordKey(id)))
	if errors.Is(err, redis.ErrNil) {
		return nil, types.ErrTransferNotFound
	}
	if err != nil {
		l.log.Error().Err(err).Str("transfer", id).Msg("error Redis GET")
		return nil, err
	}
	var t types.Transfer
	if err := json.Unmarshal(rec, &t); err != nil {
		return nil, fmt.Errorf("corrupt transfer record %s: %w", id, err)
	}
	return &t, nil
}

func (l *Ledger) List(ctx context.Context, f ledger.Filter) ([]*types.Transfer, error) {
	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	ids, err := l.candidates(conn, f)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*types.Transfer{}, nil
	}

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = recordKey(id)
	}
	recs, err := redis.ByteSlices(conn.Do("MGET", args...))
	if err != nil {
		return nil, err
	}

	res := make([]*types.Transfer, 0, len(recs))
	for i, rec := range recs {
		// index entry without a record, written by an interrupted client
		if rec == nil {
			continue
		}
		var t types.Transfer
		if err := json.Unmarshal(rec, &t); err != nil {
			l.log.Warn().Err(err).Str("transfer", ids[i]).Msg("skipping corrupt record")
			continue
		}
		if f.Match(&t) {
			res = append(res, &t)
		}
	}
	return f.Apply(res), nil
}

// candidates narrows the ids to read using the smallest index the filter allows
func (l *Ledger) candidates(conn redis.Conn, f ledger.Filter) ([]string, error) {
	switch {
	case f.Sender != "":
		return redis.Strings(conn.Do("SMEMBERS", senderSet(f.Sender)))
	case len(f.Statuses) > 0:
		seen := map[string]bool{}
		var ids []string
		for _, s := range f.Statuses {
			members, err := scanSet(conn, statusSet(s))
			if err != nil {
				return nil, err
			}
			for _, id := range members {
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		}
		return ids, nil
	}
	min := "-inf"
	if !f.Since.IsZero() {
		min = fmt.Sprint(f.Since.UnixMilli())
	}
	return redis.Strings(conn.Do("ZREVRANGEBYSCORE", createdIndex, "+inf", min))
}

func scanSet(conn redis.Conn, key string) ([]string, error) {
	var (
		cursor int64
		res    []string
	)
	for {
		values, err := redis.Values(conn.Do("SSCAN", key, cursor))
		if err != nil {
			return nil, err
		}
		var keys []string
		if _, err = redis.Scan(values, &cursor, &keys); err != nil {
			return nil, err
		}
		res = append(res, keys...)
		if cursor == 0 {
			break
		}
	}
	return res, nil
}
