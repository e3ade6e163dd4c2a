// Package redisstore keeps a bank's accounts in Redis. Every multi-key step
// runs as a Lua script so it is atomic on the server.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/acid_bank/store/accountstore"
	"github.com/acid_bank/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const scanBatchSize = 100

// MaxBalance is the largest balance the store accepts. Lua numbers are
// doubles, which hold integers exactly only up to 2^53.
const MaxBalance = utils.Amount(1<<53 - 1)

// KEYS: account, branch, intents. ARGV: delta, abs(delta), sufficient-funds flag, limit, iban.
var adjustScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'prepared') == '1' then return 'PREPARED' end
if redis.call('EXISTS', KEYS[1]) == 0 then return 'NOTFOUND' end
local bal = tonumber(redis.call('HGET', KEYS[1], 'balance'))
local hd = tonumber(redis.call('HGET', KEYS[1], 'hd') or '0')
local hc = tonumber(redis.call('HGET', KEYS[1], 'hc') or '0')
local delta = tonumber(ARGV[1])
local limit = tonumber(ARGV[4])
if delta < 0 then
	if bal - hd + delta < 0 then
		if ARGV[3] == '1' then return 'PREDICATE' end
		return 'FLOOR'
	end
	redis.call('HINCRBY', KEYS[1], 'hd', ARGV[2])
else
	if bal + hc > limit - delta then return 'CEILING' end
	redis.call('HINCRBY', KEYS[1], 'hc', ARGV[2])
end
redis.call('HSETNX', KEYS[2], 'prepared', '0')
redis.call('RPUSH', KEYS[3], ARGV[5] .. '|' .. ARGV[1])
return 'OK'
`)

// KEYS: account. ARGV: balance, limit.
var putScript = redis.NewScript(`
local bal = tonumber(ARGV[1])
if bal < tonumber(redis.call('HGET', KEYS[1], 'hd') or '0') then return 'FLOOR' end
if bal + tonumber(redis.call('HGET', KEYS[1], 'hc') or '0') > tonumber(ARGV[2]) then return 'CEILING' end
redis.call('HSET', KEYS[1], 'balance', ARGV[1])
return 'OK'
`)

// KEYS: branch, prepared set. ARGV: branch name.
var prepareScript = redis.NewScript(`
redis.call('HSET', KEYS[1], 'prepared', '1')
redis.call('SADD', KEYS[2], ARGV[1])
return 'OK'
`)

// KEYS: branch, intents, prepared set, then one account key per intent.
// ARGV: apply flag, branch name, then delta and abs(delta) per intent.
var finishScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 'NOTFOUND' end
local n = #KEYS - 3
if redis.call('LLEN', KEYS[2]) ~= n then return 'RETRY' end
for i = 1, n do
	local key = KEYS[i + 3]
	local delta = ARGV[2 * i + 1]
	local abs = ARGV[2 * i + 2]
	if abs ~= '0' then
		if string.sub(delta, 1, 1) == '-' then
			redis.call('HINCRBY', key, 'hd', '-' .. abs)
		else
			redis.call('HINCRBY', key, 'hc', '-' .. abs)
		end
	end
	if ARGV[1] == '1' then
		redis.call('HINCRBY', key, 'balance', delta)
	end
end
redis.call('DEL', KEYS[1], KEYS[2])
redis.call('SREM', KEYS[3], ARGV[2])
return 'OK'
`)

type Store struct {
	client redis.UniversalClient
	prefix string
	opts   accountstore.Options
	lg     *zap.Logger
}

var _ accountstore.Store = (*Store)(nil)

// New uses client with all keys under "<prefix>:". Branches that never
// prepared are rolled back first.
func New(ctx context.Context, client redis.UniversalClient, prefix string, opts accountstore.Options, lg *zap.Logger) (*Store, error) {
	if lg == nil {
		lg = zap.NewNop()
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	s := &Store{client: client, prefix: prefix + ":", opts: opts, lg: lg}
	if err := s.abortUnprepared(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) accountKey(iban string) string { return s.prefix + "acct:" + iban }
func (s *Store) branchKey(name string) string { return s.prefix + "branch:" + name }
func (s *Store) intentsKey(name string) string { return s.prefix + "intents:" + name }
func (s *Store) preparedKey() string { return s.prefix + "prepared" }

func (s *Store) Balance(ctx context.Context, iban string) (utils.Amount, error) {
	v, err := s.client.HGet(ctx, s.accountKey(iban), "balance").Int64()
	if errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("%w: %s", accountstore.ErrAccountNotFound, iban)
	}
	if err != nil {
		return 0, fmt.Errorf("redis hget: %w", err)
	}
	return utils.Amount(v), nil
}

func abs(a utils.Amount) utils.Amount {
	if a < 0 {
		return -a
	}
	return a
}

func (s *Store) Adjust(ctx context.Context, branch, iban string, delta utils.Amount, pred accountstore.Predicate) error {
	funds := "0"
	if pred == accountstore.PredicateSufficientFunds {
		funds = "1"
	}
	res, err := adjustScript.Run(ctx, s.client,
		[]string{s.accountKey(iban), s.branchKey(branch), s.intentsKey(branch)},
		strconv.FormatInt(int64(delta), 10),
		strconv.FormatInt(int64(abs(delta)), 10),
		funds,
		strconv.FormatInt(int64(s.Limit()), 10),
		iban,
	).Text()
	if err != nil {
		return fmt.Errorf("redis adjust: %w", err)
	}
	switch res {
	case "OK":
		return nil
	case "PREPARED":
		return fmt.Errorf("%w: %s", accountstore.ErrBranchPrepared, branch)
	case "NOTFOUND":
		return fmt.Errorf("%w: %s", accountstore.ErrAccountNotFound, iban)
	case "PREDICATE":
		return fmt.Errorf("%w: %s", accountstore.ErrPredicateFailed, iban)
	case "FLOOR":
		return fmt.Errorf("%w: %s", accountstore.ErrFloorViolated, iban)
	case "CEILING":
		return fmt.Errorf("%w: %s", accountstore.ErrCeilingExceeded, iban)
	}
	return fmt.Errorf("redis adjust: unexpected reply %q", res)
}

func (s *Store) Prepare(ctx context.Context, branch string) error {
	err := prepareScript.Run(ctx, s.client, []string{s.branchKey(branch), s.preparedKey()}, branch).Err()
	if err != nil {
		return fmt.Errorf("redis prepare: %w", err)
	}
	return nil
}

// finish applies or releases the intents of branch; found is false when
// the branch does not exist.
func (s *Store) finish(ctx context.Context, branch string, apply bool) (bool, error) {
	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		entries, err := s.client.LRange(ctx, s.intentsKey(branch), 0, -1).Result()
		if err != nil {
			return false, fmt.Errorf("redis lrange: %w", err)
		}
		keys := []string{s.branchKey(branch), s.intentsKey(branch), s.preparedKey()}
		flag := "0"
		if apply {
			flag = "1"
		}
		args := []interface{}{flag, branch}
		for _, e := range entries {
			i := strings.LastIndexByte(e, '|')
			if i < 0 {
				return true, fmt.Errorf("redis: corrupt intent %q in %s", e, branch)
			}
			delta, err := strconv.ParseInt(e[i+1:], 10, 64)
			if err != nil {
				return true, fmt.Errorf("redis: corrupt intent %q in %s", e, branch)
			}
			keys = append(keys, s.accountKey(e[:i]))
			args = append(args, e[i+1:], strconv.FormatInt(int64(abs(utils.Amount(delta))), 10))
		}
		res, err := finishScript.Run(ctx, s.client, keys, args...).Text()
		if err != nil {
			return false, fmt.Errorf("redis finish: %w", err)
		}
		switch res {
		case "OK":
			return true, nil
		case "NOTFOUND":
			return false, nil
		case "RETRY":
			continue
		default:
			return false, fmt.Errorf("redis finish: unexpected reply %q", res)
		}
	}
	return true, fmt.Errorf("redis finish: intents of %s kept changing", branch)
}

func (s *Store) Commit(ctx context.Context, branch string) error {
	found, err := s.finish(ctx, branch, true)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", accountstore.ErrBranchNotFound, branch)
	}
	s.lg.Debug("branch committed", zap.String("branch", branch))
	return nil
}

func (s *Store) Rollback(ctx context.Context, branch string) error {
	_, err := s.finish(ctx, branch, false)
	return err
}

func (s *Store) PreparedBranches(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.preparedKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) abortUnprepared(ctx context.Context) error {
	var cursor uint64
	pattern := s.branchKey("*")
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		for _, key := range keys {
			prepared, err := s.client.HGet(ctx, key, "prepared").Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("redis hget: %w", err)
			}
			if prepared == "1" {
				continue
			}
			name := strings.TrimPrefix(key, s.branchKey(""))
			if err := s.Rollback(ctx, name); err != nil {
				return err
			}
			s.lg.Info("aborted unprepared branch", zap.String("branch", name))
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (s *Store) PutAccount(ctx context.Context, acct accountstore.Account) error {
	if acct.Balance < 0 {
		return fmt.Errorf("%w: %s", accountstore.ErrFloorViolated, acct.IBAN)
	}
	if acct.Balance > s.Limit() {
		return fmt.Errorf("%w: %s", accountstore.ErrCeilingExceeded, acct.IBAN)
	}
	res, err := putScript.Run(ctx, s.client, []string{s.accountKey(acct.IBAN)},
		strconv.FormatInt(int64(acct.Balance), 10),
		strconv.FormatInt(int64(s.Limit()), 10),
	).Text()
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	switch res {
	case "OK":
		return nil
	case "FLOOR":
		return fmt.Errorf("%w: %s", accountstore.ErrFloorViolated, acct.IBAN)
	case "CEILING":
		return fmt.Errorf("%w: %s", accountstore.ErrCeilingExceeded, acct.IBAN)
	}
	return fmt.Errorf("redis put: unexpected reply %q", res)
}

// Limit is the configured ceiling, capped at MaxBalance.
func (s *Store) Limit() utils.Amount {
	if l := s.opts.Limit(); l < MaxBalance {
		return l
	}
	return MaxBalance
}

func (s *Store) Close() error {
	return s.client.Close()
}
