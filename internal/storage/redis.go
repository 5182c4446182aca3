package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"experimentd/internal/experiment"
	logx "experimentd/pkg/logx"
)

// Redis layout, all under KeyPrefix:
//
//	{p}:exp:{id}       experiment JSON
//	{p}:exps           zset of experiment ids scored by created_at
//	{p}:runs:{exp}     zset of run ids scored by dispatch seq
//	{p}:pending:{exp}  zset of PENDING run ids scored by seq
//	{p}:open:{exp}     set of open run ids
//	{p}:run:{id}       hash with the run fields, one "eval:{name}" field per evaluation
//	{p}:claimed        zset of CLAIMED/RUNNING run ids scored by lease time (ms)
//
// Claim, token compare-and-set and reclaim run as Lua scripts so that daemons
// sharing one Redis never hand the same run out twice.
type redisStore struct {
	rdb    *redis.Client
	log    logx.Logger
	now    func() time.Time
	prefix string
}

var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, tonumber(ARGV[2]) - 1)
local out = {}
for i, id in ipairs(ids) do
  local rk = ARGV[1] .. id
  local token = ARGV[4 + i]
  redis.call('ZREM', KEYS[1], id)
  redis.call('HSET', rk, 'status', 'CLAIMED', 'worker', ARGV[3], 'token', token, 'claimed_at', ARGV[4])
  redis.call('HINCRBY', rk, 'attempts', 1)
  redis.call('ZADD', KEYS[2], ARGV[4], id)
  table.insert(out, id)
end
return out
`)

// casScript: KEYS run, claimed, pending, open; ARGV token, mode, run id, now ms, field/value pairs...
var casScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
local tok = redis.call('HGET', KEYS[1], 'token')
if ARGV[1] == '' or tok ~= ARGV[1] or (st ~= 'CLAIMED' and st ~= 'RUNNING') then
  return 0
end
if #ARGV >= 6 then
  redis.call('HSET', KEYS[1], unpack(ARGV, 5))
end
local mode = ARGV[2]
if mode == 'running' then
  redis.call('HSETNX', KEYS[1], 'started_at', ARGV[4])
elseif mode == 'finish' then
  redis.call('HDEL', KEYS[1], 'token')
  redis.call('ZREM', KEYS[2], ARGV[3])
  redis.call('SREM', KEYS[4], ARGV[3])
elseif mode == 'release' then
  redis.call('HDEL', KEYS[1], 'token', 'worker', 'claimed_at')
  redis.call('ZREM', KEYS[2], ARGV[3])
  redis.call('ZADD', KEYS[3], redis.call('HGET', KEYS[1], 'seq'), ARGV[3])
elseif mode == 'renew' then
  redis.call('ZADD', KEYS[2], ARGV[4], ARGV[3])
end
return 1
`)

var reclaimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local n = 0
for _, id in ipairs(ids) do
  local rk = ARGV[2] .. 'run:' .. id
  local st = redis.call('HGET', rk, 'status')
  redis.call('ZREM', KEYS[1], id)
  if st == 'CLAIMED' or st == 'RUNNING' then
    local exp = redis.call('HGET', rk, 'exp')
    local seq = redis.call('HGET', rk, 'seq')
    redis.call('HSET', rk, 'status', 'PENDING')
    redis.call('HDEL', rk, 'token', 'worker', 'claimed_at')
    redis.call('ZADD', ARGV[2] .. 'pending:' .. exp, seq, id)
    n = n + 1
  end
end
return n
`)

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("storage.redis_addr is required for redis driver")
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "experimentd"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &redisStore{rdb: rdb, log: log, now: now, prefix: prefix + ":"}, nil
}

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) expKey(id string) string { return s.prefix + "exp:" + id }
func (s *redisStore) expsKey() string { return s.prefix + "exps" }
func (s *redisStore) runsKey(exp string) string { return s.prefix + "runs:" + exp }
func (s *redisStore) pendingKey(exp string) string { return s.prefix + "pending:" + exp }
func (s *redisStore) openKey(exp string) string { return s.prefix + "open:" + exp }
func (s *redisStore) runKey(id string) string { return s.prefix + "run:" + id }
func (s *redisStore) claimedKey() string { return s.prefix + "claimed" }

func (s *redisStore) CreateExperiment(ctx context.Context, exp *experiment.Experiment) error {
	if err := prepareExperiment(exp, s.now()); err != nil {
		return err
	}
	body, err := json.Marshal(exp)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, s.expKey(exp.ID), body, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("experiment %q: %w", exp.ID, ErrExists)
	}

	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for seq, k := range expandRuns(exp) {
			id := k.RunID()
			p.HSet(ctx, s.runKey(id), map[string]any{
				"exp":        exp.ID,
				"example_id": k.ExampleID,
				"repetition": k.Repetition,
				"seq":        seq,
				"status":     string(experiment.RunPending),
				"attempts":   0,
			})
			p.ZAdd(ctx, s.runsKey(exp.ID), redis.Z{Score: float64(seq), Member: id})
			p.ZAdd(ctx, s.pendingKey(exp.ID), redis.Z{Score: float64(seq), Member: id})
			p.SAdd(ctx, s.openKey(exp.ID), id)
		}
		p.ZAdd(ctx, s.expsKey(), redis.Z{Score: float64(exp.CreatedAt.UnixMilli()), Member: exp.ID})
		return nil
	})
	if err != nil {
		_ = s.rdb.Del(context.WithoutCancel(ctx), s.expKey(exp.ID)).Err()
		return err
	}
	return nil
}

func (s *redisStore) GetExperiment(ctx context.Context, id string) (*experiment.Experiment, error) {
	b, err := s.rdb.Get(ctx, s.expKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("experiment %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var exp experiment.Experiment
	if err := json.Unmarshal(b, &exp); err != nil {
		return nil, fmt.Errorf("decode experiment %q: %w", id, err)
	}
	return &exp, nil
}

func (s *redisStore) DeleteExperiment(ctx context.Context, id string) error {
	n, err := s.rdb.Exists(ctx, s.expKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("experiment %q: %w", id, ErrNotFound)
	}
	ids, err := s.rdb.ZRange(ctx, s.runsKey(id), 0, -1).Result()
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, rid := range ids {
			p.Del(ctx, s.runKey(rid))
			p.ZRem(ctx, s.claimedKey(), rid)
		}
		p.Del(ctx, s.runsKey(id), s.pendingKey(id), s.openKey(id), s.expKey(id))
		p.ZRem(ctx, s.expsKey(), id)
		return nil
	})
	return err
}

func (s *redisStore) ListActiveExperiments(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.ZRange(ctx, s.expsKey(), 0, -1).Result()
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	counts := make([]*redis.IntCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			counts[i] = p.SCard(ctx, s.openKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ids))
	for i, id := range ids {
		if counts[i].Val() > 0 {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *redisStore) ListRuns(ctx context.Context, experimentID string) ([]experiment.Run, error) {
	n, err := s.rdb.Exists(ctx, s.expKey(experimentID)).Result()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("experiment %q: %w", experimentID, ErrNotFound)
	}
	ids, err := s.rdb.ZRange(ctx, s.runsKey(experimentID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	recs, err := s.loadRuns(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]experiment.Run, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.view())
	}
	return out, nil
}

func (s *redisStore) loadRuns(ctx context.Context, ids []string) ([]*runRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, s.runKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]*runRecord, 0, len(ids))
	for i, id := range ids {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		r, err := decodeRunHash(id, fields)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *redisStore) CountOpenRuns(ctx context.Context, experimentID string) (int, error) {
	n, err := s.rdb.SCard(ctx, s.openKey(experimentID)).Result()
	return int(n), err
}

func (s *redisStore) ClaimNextRuns(ctx context.Context, experimentID, workerID string, limit int) ([]experiment.RunClaim, error) {
	if limit <= 0 {
		return nil, nil
	}
	exp, err := s.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	args := make([]any, 0, 4+limit)
	args = append(args, s.prefix+"run:", limit, workerID, now.UnixMilli())
	for i := 0; i < limit; i++ {
		args = append(args, newToken())
	}
	ids, err := claimScript.Run(ctx, s.rdb, []string{s.pendingKey(experimentID), s.claimedKey()}, args...).StringSlice()
	if err != nil {
		return nil, err
	}
	recs, err := s.loadRuns(ctx, ids)
	if err != nil {
		return nil, err
	}

	examples := exampleIndex(exp)
	out := make([]experiment.RunClaim, 0, len(recs))
	for _, r := range recs {
		out = append(out, experiment.RunClaim{
			RunID:        r.ID,
			ExperimentID: experimentID,
			Example:      examples[r.Key.ExampleID],
			Repetition:   r.Key.Repetition,
			WorkerID:     workerID,
			Token:        r.Token,
			ClaimedAt:    now,
			Attempts:     r.Attempts,
			Output:       r.Output,
			Evaluated:    r.evaluated(),
		})
	}
	return out, nil
}

// cas runs the token compare-and-set script for claim.
func (s *redisStore) cas(ctx context.Context, claim experiment.RunClaim, mode string, fields ...any) error {
	keys := []string{
		s.runKey(claim.RunID),
		s.claimedKey(),
		s.pendingKey(claim.ExperimentID),
		s.openKey(claim.ExperimentID),
	}
	args := append([]any{claim.Token, mode, claim.RunID, s.now().UnixMilli()}, fields...)
	n, err := casScript.Run(ctx, s.rdb, keys, args...).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", claim.RunID, ErrClaimLost)
	}
	return nil
}

func (s *redisStore) MarkRunning(ctx context.Context, claim experiment.RunClaim) error {
	return s.cas(ctx, claim, "running", "status", string(experiment.RunRunning))
}

func (s *redisStore) SaveTaskOutput(ctx context.Context, claim experiment.RunClaim, out experiment.TaskOutput) error {
	b, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return s.cas(ctx, claim, "update", "output", string(b))
}

func (s *redisStore) SaveEvaluation(ctx context.Context, claim experiment.RunClaim, res experiment.EvaluationResult) error {
	b, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return s.cas(ctx, claim, "update", "eval:"+res.Evaluator, string(b))
}

func (s *redisStore) MarkRunComplete(ctx context.Context, claim experiment.RunClaim) error {
	return s.cas(ctx, claim, "finish",
		"status", string(experiment.RunCompleted),
		"completed_at", s.now().UnixMilli(),
		"error", "",
	)
}

func (s *redisStore) MarkRunFailed(ctx context.Context, claim experiment.RunClaim, reason string) error {
	return s.cas(ctx, claim, "finish",
		"status", string(experiment.RunFailed),
		"completed_at", s.now().UnixMilli(),
		"error", reason,
	)
}

func (s *redisStore) ReleaseClaim(ctx context.Context, claim experiment.RunClaim) error {
	return s.cas(ctx, claim, "release", "status", string(experiment.RunPending))
}

func (s *redisStore) RenewClaims(ctx context.Context, claims []experiment.RunClaim) ([]string, error) {
	var lost []string
	for _, c := range claims {
		err := s.cas(ctx, c, "renew", "claimed_at", s.now().UnixMilli())
		switch {
		case err == nil:
		case errors.Is(err, ErrClaimLost):
			lost = append(lost, c.RunID)
		default:
			return lost, err
		}
	}
	return lost, nil
}

func (s *redisStore) ReclaimStaleClaims(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := s.now().Add(-timeout).UnixMilli()
	n, err := reclaimScript.Run(ctx, s.rdb, []string{s.claimedKey()}, cutoff, s.prefix).Int()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Debug("stale claims reclaimed", logx.Int("count", n), logx.Duration("timeout", timeout))
	}
	return n, nil
}

// decodeRunHash turns a run hash back into a runRecord.
func decodeRunHash(id string, f map[string]string) (*runRecord, error) {
	r := &runRecord{
		ID:       id,
		Status:   experiment.RunStatus(f["status"]),
		WorkerID: f["worker"],
		Token:    f["token"],
		Error:    f["error"],
	}
	r.Key.ExperimentID = f["exp"]
	r.Key.ExampleID = f["example_id"]
	r.Key.Repetition, _ = strconv.Atoi(f["repetition"])
	r.Seq, _ = strconv.Atoi(f["seq"])
	r.Attempts, _ = strconv.Atoi(f["attempts"])
	r.ClaimedAt = msField(f["claimed_at"])
	r.StartedAt = msField(f["started_at"])
	r.CompletedAt = msField(f["completed_at"])

	if raw := f["output"]; raw != "" {
		var out experiment.TaskOutput
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("run %s: decode output: %w", id, err)
		}
		r.Output = &out
	}
	for k, v := range f {
		name, ok := strings.CutPrefix(k, "eval:")
		if !ok {
			continue
		}
		var res experiment.EvaluationResult
		if err := json.Unmarshal([]byte(v), &res); err != nil {
			return nil, fmt.Errorf("run %s: decode evaluation %s: %w", id, name, err)
		}
		r.Evals = append(r.Evals, res)
	}
	sort.Slice(r.Evals, func(i, j int) bool { return r.Evals[i].Evaluator < r.Evals[j].Evaluator })
	return r, nil
}

func msField(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
