package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/burst-apps-team/burstpool/internal/burst"
	"github.com/burst-apps-team/burstpool/internal/util"
)

const (
	keyPrefix = "burstpool:"

	// Key patterns
	keyMiners          = keyPrefix + "miners"
	keyMiner           = keyPrefix + "miner:%d"
	keyMinerDeadlines  = keyPrefix + "miner:%d:deadlines"
	keyPoolState       = keyPrefix + "poolstate"
	keyBestSubmissions = keyPrefix + "bestsubmissions:%d"
	keyWonBlocks       = keyPrefix + "wonblocks"
	keyPayouts         = keyPrefix + "payouts"
)

const (
	fieldPending       = "pending"
	fieldCapacity      = "capacity"
	fieldShare         = "share"
	fieldMinimumPayout = "minimumPayout"
	fieldName          = "name"
	fieldUserAgent     = "userAgent"

	fieldLastProcessedBlock  = "lastProcessedBlock"
	fieldFeeRecipientPending = "feeRecipientPending"
)

// ErrNotFound is returned when a key or hash field does not exist.
var ErrNotFound = errors.New("storage: not found")

// accessor is the low-level surface shared by the store and its
// transactions. The store talks to redis directly; a transaction
// overlays its journal on top.
type accessor interface {
	hget(ctx context.Context, key, field string) (string, error)
	hset(ctx context.Context, key string, fields map[string]string) error
	hdel(ctx context.Context, key string, fields ...string) error
	hgetall(ctx context.Context, key string) (map[string]string, error)
	sadd(ctx context.Context, key, member string) error
	sismember(ctx context.Context, key, member string) (bool, error)
	smembers(ctx context.Context, key string) ([]string, error)
	zadd(ctx context.Context, key string, score float64, member string) error
	zrevrange(ctx context.Context, key string, limit int64) ([]string, error)
}

// handle implements the pool's persistence operations over an
// accessor, so the same operations work inside and outside a
// transaction.
type handle struct {
	acc      accessor
	createMu *sync.Mutex
}

// RedisStore is the redis-backed store for all pool state.
type RedisStore struct {
	handle
	client *redis.Client
	cache  *fieldCache
}

// NewRedisStore connects to redis and returns the store.
func NewRedisStore(url, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     url,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	util.Info("Connected to Redis at ", url)

	s := &RedisStore{
		client: client,
		cache:  newFieldCache(),
	}
	s.handle = handle{acc: s, createMu: &sync.Mutex{}}
	return s, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) hget(ctx context.Context, key, field string) (string, error) {
	if value, ok := s.cache.get(key, field); ok {
		return value, nil
	}
	value, err := s.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	s.cache.set(key, field, value)
	return value, nil
}

func (s *RedisStore) hset(ctx context.Context, key string, fields map[string]string) error {
	args := make([]interface{}, 0, len(fields)*2)
	for field, value := range fields {
		args = append(args, field, value)
	}
	if err := s.client.HSet(ctx, key, args...).Err(); err != nil {
		return err
	}
	for field, value := range fields {
		s.cache.set(key, field, value)
	}
	return nil
}

func (s *RedisStore) hdel(ctx context.Context, key string, fields ...string) error {
	if err := s.client.HDel(ctx, key, fields...).Err(); err != nil {
		return err
	}
	s.cache.del(key, fields...)
	return nil
}

func (s *RedisStore) hgetall(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

func (s *RedisStore) sadd(ctx context.Context, key, member string) error {
	return s.client.SAdd(ctx, key, member).Err()
}

func (s *RedisStore) sismember(ctx context.Context, key, member string) (bool, error) {
	return s.client.SIsMember(ctx, key, member).Result()
}

func (s *RedisStore) smembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

func (s *RedisStore) zadd(ctx context.Context, key string, score float64, member string) error {
	return s.client.ZAdd(ctx, key, &redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) zrevrange(ctx context.Context, key string, limit int64) ([]string, error) {
	stop := limit - 1
	if limit <= 0 {
		stop = -1
	}
	return s.client.ZRevRange(ctx, key, 0, stop).Result()
}

// Begin starts a transaction. Writes are journaled and applied
// atomically on Commit; Rollback discards them.
func (s *RedisStore) Begin() *RedisTx {
	tx := &RedisTx{
		store: s,
		sets:  make(map[string]map[string]string),
		dels:  make(map[string]map[string]bool),
		sadds: make(map[string]map[string]bool),
		zadds: make(map[string][]redis.Z),
	}
	tx.handle = handle{acc: tx, createMu: s.createMu}
	return tx
}

// RedisTx is a journaled transaction over the store. Reads see the
// transaction's own writes; nothing reaches redis before Commit.
type RedisTx struct {
	handle
	store *RedisStore
	mu    sync.Mutex
	sets  map[string]map[string]string
	dels  map[string]map[string]bool
	sadds map[string]map[string]bool
	zadds map[string][]redis.Z
	done  bool
}

func (t *RedisTx) hget(ctx context.Context, key, field string) (string, error) {
	t.mu.Lock()
	if t.dels[key][field] {
		t.mu.Unlock()
		return "", ErrNotFound
	}
	if value, ok := t.sets[key][field]; ok {
		t.mu.Unlock()
		return value, nil
	}
	t.mu.Unlock()
	return t.store.hget(ctx, key, field)
}

func (t *RedisTx) hset(ctx context.Context, key string, fields map[string]string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.sets[key]
	if !ok {
		set = make(map[string]string)
		t.sets[key] = set
	}
	for field, value := range fields {
		set[field] = value
		delete(t.dels[key], field)
		// Written through so reads after Commit are warm. Rollback
		// flushes the cache to undo this.
		t.store.cache.set(key, field, value)
	}
	return nil
}

func (t *RedisTx) hdel(ctx context.Context, key string, fields ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	del, ok := t.dels[key]
	if !ok {
		del = make(map[string]bool)
		t.dels[key] = del
	}
	for _, field := range fields {
		del[field] = true
		delete(t.sets[key], field)
	}
	t.store.cache.del(key, fields...)
	return nil
}

func (t *RedisTx) hgetall(ctx context.Context, key string) (map[string]string, error) {
	base, err := t.store.hgetall(ctx, key)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	merged := make(map[string]string, len(base))
	for field, value := range base {
		if t.dels[key][field] {
			continue
		}
		merged[field] = value
	}
	for field, value := range t.sets[key] {
		merged[field] = value
	}
	return merged, nil
}

func (t *RedisTx) sadd(ctx context.Context, key, member string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.sadds[key]
	if !ok {
		set = make(map[string]bool)
		t.sadds[key] = set
	}
	set[member] = true
	return nil
}

func (t *RedisTx) sismember(ctx context.Context, key, member string) (bool, error) {
	t.mu.Lock()
	if t.sadds[key][member] {
		t.mu.Unlock()
		return true, nil
	}
	t.mu.Unlock()
	return t.store.sismember(ctx, key, member)
}

func (t *RedisTx) smembers(ctx context.Context, key string) ([]string, error) {
	members, err := t.store.smembers(ctx, key)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		seen[m] = true
	}
	for m := range t.sadds[key] {
		if !seen[m] {
			members = append(members, m)
		}
	}
	return members, nil
}

func (t *RedisTx) zadd(ctx context.Context, key string, score float64, member string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.zadds[key] = append(t.zadds[key], redis.Z{Score: score, Member: member})
	return nil
}

func (t *RedisTx) zrevrange(ctx context.Context, key string, limit int64) ([]string, error) {
	base, err := t.store.zrevrange(ctx, key, limit)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	journaled := append([]redis.Z(nil), t.zadds[key]...)
	t.mu.Unlock()
	if len(journaled) == 0 {
		return base, nil
	}
	sort.Slice(journaled, func(i, j int) bool { return journaled[i].Score > journaled[j].Score })
	merged := make([]string, 0, len(journaled)+len(base))
	for _, z := range journaled {
		merged = append(merged, z.Member.(string))
	}
	merged = append(merged, base...)
	if limit > 0 && int64(len(merged)) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// Commit applies the journal atomically.
func (t *RedisTx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return errors.New("storage: transaction already finished")
	}
	t.done = true

	pipe := t.store.client.TxPipeline()
	for key, fields := range t.sets {
		args := make([]interface{}, 0, len(fields)*2)
		for field, value := range fields {
			args = append(args, field, value)
		}
		pipe.HSet(ctx, key, args...)
	}
	for key, fields := range t.dels {
		names := make([]string, 0, len(fields))
		for field := range fields {
			names = append(names, field)
		}
		if len(names) > 0 {
			pipe.HDel(ctx, key, names...)
		}
	}
	for key, members := range t.sadds {
		for member := range members {
			pipe.SAdd(ctx, key, member)
		}
	}
	for key, entries := range t.zadds {
		for i := range entries {
			pipe.ZAdd(ctx, key, &entries[i])
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		// The cache may hold values that never reached redis.
		t.store.cache.flush()
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// Rollback discards the journal. The field cache was written through
// during the transaction, so it is flushed too.
func (t *RedisTx) Rollback() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.done = true
	t.sets = nil
	t.dels = nil
	t.sadds = nil
	t.zadds = nil
	t.store.cache.flush()
}

// MinerIDs returns the ids of every known miner.
func (h handle) MinerIDs(ctx context.Context) ([]uint64, error) {
	members, err := h.acc.smembers(ctx, keyMiners)
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			util.Warnf("Skipping malformed miner id %q: %v", m, err)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// MinerCount returns the number of known miners.
func (h handle) MinerCount(ctx context.Context) (int, error) {
	ids, err := h.MinerIDs(ctx)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Miner returns the persistence handle of a known miner, or
// ErrNotFound.
func (h handle) Miner(ctx context.Context, id uint64) (*MinerData, error) {
	known, err := h.acc.sismember(ctx, keyMiners, strconv.FormatUint(id, 10))
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, ErrNotFound
	}
	return &MinerData{acc: h.acc, id: id}, nil
}

// GetOrCreateMiner returns the miner's handle, registering the miner
// first if needed. Creation is serialized so concurrent submissions
// cannot race.
func (h handle) GetOrCreateMiner(ctx context.Context, id uint64) (*MinerData, error) {
	h.createMu.Lock()
	defer h.createMu.Unlock()
	if err := h.acc.sadd(ctx, keyMiners, strconv.FormatUint(id, 10)); err != nil {
		return nil, err
	}
	return &MinerData{acc: h.acc, id: id}, nil
}

// FeeRecipient returns the pool fee recipient's persistence handle.
func (h handle) FeeRecipient() *FeeRecipientData {
	return &FeeRecipientData{acc: h.acc}
}

// LastProcessedBlock returns the height accounting has advanced to.
// ok is false when the pool has never run before.
func (h handle) LastProcessedBlock(ctx context.Context) (height uint64, ok bool, err error) {
	value, err := h.acc.hget(ctx, keyPoolState, fieldLastProcessedBlock)
	if err == ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	height, err = strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("malformed last processed block %q: %w", value, err)
	}
	return height, true, nil
}

// SetLastProcessedBlock stores the accounting height.
func (h handle) SetLastProcessedBlock(ctx context.Context, height uint64) error {
	return h.acc.hset(ctx, keyPoolState, map[string]string{
		fieldLastProcessedBlock: strconv.FormatUint(height, 10),
	})
}

// IncrementLastProcessedBlock advances the accounting height by one.
func (h handle) IncrementLastProcessedBlock(ctx context.Context) error {
	height, _, err := h.LastProcessedBlock(ctx)
	if err != nil {
		return err
	}
	return h.SetLastProcessedBlock(ctx, height+1)
}

// BestSubmissions returns every miner's best submission recorded for a
// height, ordered by deadline. The slice is empty when nobody
// submitted for the height.
func (h handle) BestSubmissions(ctx context.Context, height uint64) ([]Submission, error) {
	fields, err := h.acc.hgetall(ctx, fmt.Sprintf(keyBestSubmissions, height))
	if err != nil {
		return nil, err
	}
	subs := make([]Submission, 0, len(fields))
	for _, value := range fields {
		var sub Submission
		if err := json.Unmarshal([]byte(value), &sub); err != nil {
			util.Warnf("Skipping malformed submission at height %d: %v", height, err)
			continue
		}
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Deadline < subs[j].Deadline })
	return subs, nil
}

// SetBestSubmission records a miner's best submission for a height,
// replacing that miner's previous one.
func (h handle) SetBestSubmission(ctx context.Context, sub *Submission) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	return h.acc.hset(ctx, fmt.Sprintf(keyBestSubmissions, sub.Height), map[string]string{
		strconv.FormatUint(sub.MinerID, 10): string(data),
	})
}

// AddWonBlock records a block the pool won.
func (h handle) AddWonBlock(ctx context.Context, block *WonBlock) error {
	data, err := json.Marshal(block)
	if err != nil {
		return err
	}
	return h.acc.zadd(ctx, keyWonBlocks, float64(block.Height), string(data))
}

// WonBlocks returns won blocks, most recent first. limit <= 0 returns
// all of them.
func (h handle) WonBlocks(ctx context.Context, limit int64) ([]WonBlock, error) {
	members, err := h.acc.zrevrange(ctx, keyWonBlocks, limit)
	if err != nil {
		return nil, err
	}
	blocks := make([]WonBlock, 0, len(members))
	for _, m := range members {
		var block WonBlock
		if err := json.Unmarshal([]byte(m), &block); err != nil {
			util.Warnf("Skipping malformed won block record: %v", err)
			continue
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// AddPayout records a broadcast payout.
func (h handle) AddPayout(ctx context.Context, payout *Payout) error {
	data, err := json.Marshal(payout)
	if err != nil {
		return err
	}
	return h.acc.zadd(ctx, keyPayouts, float64(payout.Timestamp), string(data))
}

// Payouts returns payouts, most recent first. limit <= 0 returns all.
func (h handle) Payouts(ctx context.Context, limit int64) ([]Payout, error) {
	members, err := h.acc.zrevrange(ctx, keyPayouts, limit)
	if err != nil {
		return nil, err
	}
	payouts := make([]Payout, 0, len(members))
	for _, m := range members {
		var payout Payout
		if err := json.Unmarshal([]byte(m), &payout); err != nil {
			util.Warnf("Skipping malformed payout record: %v", err)
			continue
		}
		payouts = append(payouts, payout)
	}
	return payouts, nil
}

// MinerData is the persistence handle of one miner. Reads go through
// the field cache; writes inside a transaction stay in its journal
// until Commit.
type MinerData struct {
	acc accessor
	id  uint64
}

// ID returns the miner's numeric account id.
func (m *MinerData) ID() uint64 {
	return m.id
}

func (m *MinerData) key() string {
	return fmt.Sprintf(keyMiner, m.id)
}

func (m *MinerData) deadlinesKey() string {
	return fmt.Sprintf(keyMinerDeadlines, m.id)
}

func (m *MinerData) getString(ctx context.Context, field string) (string, error) {
	value, err := m.acc.hget(ctx, m.key(), field)
	if err == ErrNotFound {
		return "", nil
	}
	return value, err
}

func (m *MinerData) setString(ctx context.Context, field, value string) error {
	return m.acc.hset(ctx, m.key(), map[string]string{field: value})
}

func (m *MinerData) getFloat(ctx context.Context, field string) (float64, error) {
	value, err := m.getString(ctx, field)
	if err != nil || value == "" {
		return 0, err
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed %s for miner %d: %w", field, m.id, err)
	}
	return f, nil
}

// PendingBalance returns the miner's unpaid balance.
func (m *MinerData) PendingBalance(ctx context.Context) (burst.Value, error) {
	value, err := m.getString(ctx, fieldPending)
	if err != nil || value == "" {
		return 0, err
	}
	return burst.ParsePlanck(value)
}

// SetPendingBalance stores the miner's unpaid balance.
func (m *MinerData) SetPendingBalance(ctx context.Context, v burst.Value) error {
	return m.setString(ctx, fieldPending, strconv.FormatInt(v.Planck(), 10))
}

// EstimatedCapacity returns the miner's estimated plot size in TiB.
func (m *MinerData) EstimatedCapacity(ctx context.Context) (float64, error) {
	return m.getFloat(ctx, fieldCapacity)
}

// SetEstimatedCapacity stores the miner's estimated plot size in TiB.
func (m *MinerData) SetEstimatedCapacity(ctx context.Context, tib float64) error {
	return m.setString(ctx, fieldCapacity, strconv.FormatFloat(tib, 'g', -1, 64))
}

// Share returns the miner's fraction of the pool reward.
func (m *MinerData) Share(ctx context.Context) (float64, error) {
	return m.getFloat(ctx, fieldShare)
}

// SetShare stores the miner's fraction of the pool reward.
func (m *MinerData) SetShare(ctx context.Context, share float64) error {
	return m.setString(ctx, fieldShare, strconv.FormatFloat(share, 'g', -1, 64))
}

// MinimumPayout returns the miner's payout threshold. custom is false
// when the miner never overrode the pool default.
func (m *MinerData) MinimumPayout(ctx context.Context) (v burst.Value, custom bool, err error) {
	value, err := m.getString(ctx, fieldMinimumPayout)
	if err != nil || value == "" {
		return 0, false, err
	}
	v, err = burst.ParsePlanck(value)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// SetMinimumPayout stores a miner-chosen payout threshold.
func (m *MinerData) SetMinimumPayout(ctx context.Context, v burst.Value) error {
	return m.setString(ctx, fieldMinimumPayout, strconv.FormatInt(v.Planck(), 10))
}

// Name returns the miner's on-chain account name, if fetched.
func (m *MinerData) Name(ctx context.Context) (string, error) {
	return m.getString(ctx, fieldName)
}

// SetName stores the miner's on-chain account name.
func (m *MinerData) SetName(ctx context.Context, name string) error {
	return m.setString(ctx, fieldName, name)
}

// UserAgent returns the mining software the miner last submitted with.
func (m *MinerData) UserAgent(ctx context.Context) (string, error) {
	return m.getString(ctx, fieldUserAgent)
}

// SetUserAgent stores the mining software the miner submitted with.
func (m *MinerData) SetUserAgent(ctx context.Context, ua string) error {
	return m.setString(ctx, fieldUserAgent, ua)
}

// Deadlines returns every stored deadline of the miner, ordered by
// height.
func (m *MinerData) Deadlines(ctx context.Context) ([]Deadline, error) {
	fields, err := m.acc.hgetall(ctx, m.deadlinesKey())
	if err != nil {
		return nil, err
	}
	deadlines := make([]Deadline, 0, len(fields))
	for _, value := range fields {
		var d Deadline
		if err := json.Unmarshal([]byte(value), &d); err != nil {
			util.Warnf("Skipping malformed deadline for miner %d: %v", m.id, err)
			continue
		}
		deadlines = append(deadlines, d)
	}
	sort.Slice(deadlines, func(i, j int) bool { return deadlines[i].Height < deadlines[j].Height })
	return deadlines, nil
}

// DeadlineCount returns the number of stored deadlines.
func (m *MinerData) DeadlineCount(ctx context.Context) (int, error) {
	deadlines, err := m.Deadlines(ctx)
	if err != nil {
		return 0, err
	}
	return len(deadlines), nil
}

// Deadline returns the deadline stored for a height, if any.
func (m *MinerData) Deadline(ctx context.Context, height uint64) (Deadline, bool, error) {
	value, err := m.acc.hget(ctx, m.deadlinesKey(), strconv.FormatUint(height, 10))
	if err == ErrNotFound {
		return Deadline{}, false, nil
	}
	if err != nil {
		return Deadline{}, false, err
	}
	var d Deadline
	if err := json.Unmarshal([]byte(value), &d); err != nil {
		return Deadline{}, false, fmt.Errorf("malformed deadline for miner %d height %d: %w", m.id, height, err)
	}
	return d, true, nil
}

// SetOrUpdateDeadline stores a deadline, replacing any previous one at
// the same height.
func (m *MinerData) SetOrUpdateDeadline(ctx context.Context, d Deadline) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return m.acc.hset(ctx, m.deadlinesKey(), map[string]string{
		strconv.FormatUint(d.Height, 10): string(data),
	})
}

// RemoveDeadline drops the deadline stored for a height.
func (m *MinerData) RemoveDeadline(ctx context.Context, height uint64) error {
	return m.acc.hdel(ctx, m.deadlinesKey(), strconv.FormatUint(height, 10))
}

// FeeRecipientData is the persistence handle of the pool fee
// recipient, which accrues the fee take and is paid out like a miner.
type FeeRecipientData struct {
	acc accessor
}

// PendingBalance returns the accrued, unpaid pool fee.
func (f *FeeRecipientData) PendingBalance(ctx context.Context) (burst.Value, error) {
	value, err := f.acc.hget(ctx, keyPoolState, fieldFeeRecipientPending)
	if err == ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return burst.ParsePlanck(value)
}

// SetPendingBalance stores the accrued pool fee.
func (f *FeeRecipientData) SetPendingBalance(ctx context.Context, v burst.Value) error {
	return f.acc.hset(ctx, keyPoolState, map[string]string{
		fieldFeeRecipientPending: strconv.FormatInt(v.Planck(), 10),
	})
}
