package checkpoint

// ============================================================================
// 職責說明：
// 1. 序列化 checkpoint 並計算 sha256 完整性雜湊
// 2. 以每個 job 的 advisory lock 序列化寫入，逾時回傳 ErrLockContention
// 3. 載入時驗證 schema 版本與雜湊，損壞時拒絕恢復
// ============================================================================

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ChuLiYu/beaver-mr/internal/storage"
	"github.com/ChuLiYu/beaver-mr/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCheckpointCorrupted = errors.New("checkpoint is corrupted")
	ErrIncompatibleVersion = errors.New("checkpoint schema version is incompatible")
	ErrLockContention      = errors.New("checkpoint lock contention")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// envelope 是實際寫入儲存層的格式
type envelope struct {
	Version       int             `json:"version"`
	IntegrityHash string          `json:"integrity_hash"`
	Checkpoint    json.RawMessage `json:"checkpoint"`
}

// Options 調整鎖的等待行為
type Options struct {
	// LockTimeout 等待 per-job 鎖的上限（預設 5 秒）
	LockTimeout time.Duration
	// LockBackoff 第一次重試前的等待，之後倍增至 maxBackoff（預設 10ms）
	LockBackoff time.Duration
	// Clock 用於 SavedAt（預設 time.Now）
	Clock func() time.Time
}

const maxBackoff = 250 * time.Millisecond

// Store checkpoint 儲存
type Store struct {
	backend storage.Storage
	opts    Options
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewStore 建立 checkpoint 儲存
func NewStore(backend storage.Storage, opts Options) *Store {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Second
	}
	if opts.LockBackoff <= 0 {
		opts.LockBackoff = 10 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Store{backend: backend, opts: opts}
}

// Save 原子性保存 checkpoint
//
// 行為：
//   - 設定 Version、JobID、Phase、SavedAt
//   - 取得 per-job 鎖（等待時指數退避）
//   - 由儲存層原子性取代 (job, phase) 的舊 checkpoint；失敗時舊檔仍有效
//
// 返回值：
//   - error: ErrLockContention、序列化或儲存錯誤
func (s *Store) Save(ctx context.Context, jobID types.JobID, phase types.Phase, cp *Checkpoint) error {
	if cp == nil {
		return fmt.Errorf("checkpoint: nil checkpoint for %s/%s", jobID, phase)
	}
	cp.Version = Version
	cp.JobID = jobID
	cp.Phase = phase
	cp.SavedAt = s.opts.Clock()
	cp.TotalItems = len(cp.Items)

	body, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}
	hash := digest(body)
	data, err := json.MarshalIndent(envelope{Version: Version, IntegrityHash: hash, Checkpoint: body}, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal envelope: %w", err)
	}

	unlock, err := s.lock(ctx, jobID)
	if err != nil {
		return err
	}
	defer func() {
		if err := unlock(); err != nil {
			log.Warn("checkpoint: release lock failed", "jobID", jobID, "error", err)
		}
	}()

	if err := s.backend.SaveCheckpoint(ctx, jobID, phase, data); err != nil {
		return fmt.Errorf("checkpoint: save %s/%s: %w", jobID, phase, err)
	}
	cp.IntegrityHash = hash
	log.Debug("checkpoint saved", "jobID", jobID, "phase", phase,
		"completed", len(cp.CompletedItemIDs), "failed", len(cp.FailedItemIDs))
	return nil
}

// Load 載入 checkpoint
//
// 返回值：
//   - *Checkpoint: 不存在時為 nil
//   - error: ErrCheckpointCorrupted（無法解析或雜湊不符）、ErrIncompatibleVersion
func (s *Store) Load(ctx context.Context, jobID types.JobID, phase types.Phase) (*Checkpoint, error) {
	data, err := s.backend.LoadCheckpoint(ctx, jobID, phase)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load %s/%s: %w", jobID, phase, err)
	}
	return decode(data)
}

// LoadLatest 載入 phase 順序最後的 checkpoint，沒有任何 checkpoint 時回傳 nil
func (s *Store) LoadLatest(ctx context.Context, jobID types.JobID) (*Checkpoint, error) {
	phases, err := s.backend.ListCheckpointPhases(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list phases of %s: %w", jobID, err)
	}
	if len(phases) == 0 {
		return nil, nil
	}
	sort.SliceStable(phases, func(i, j int) bool {
		return types.PhaseOrder(phases[i]) < types.PhaseOrder(phases[j])
	})
	return s.Load(ctx, jobID, phases[len(phases)-1])
}

// Phases 列出 job 已保存的 phase（依執行順序）
func (s *Store) Phases(ctx context.Context, jobID types.JobID) ([]types.Phase, error) {
	phases, err := s.backend.ListCheckpointPhases(ctx, jobID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(phases, func(i, j int) bool {
		return types.PhaseOrder(phases[i]) < types.PhaseOrder(phases[j])
	})
	return phases, nil
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// lock 取得 per-job 鎖，被占用時退避重試直到 LockTimeout
func (s *Store) lock(ctx context.Context, jobID types.JobID) (storage.Unlock, error) {
	deadline := time.Now().Add(s.opts.LockTimeout)
	backoff := s.opts.LockBackoff
	name := storage.LockName("checkpoint", jobID)

	for attempt := 1; ; attempt++ {
		unlock, err := s.backend.TryLock(ctx, name)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, storage.ErrLocked) {
			return nil, fmt.Errorf("checkpoint: lock %s: %w", jobID, err)
		}
		if time.Now().Add(backoff).After(deadline) {
			return nil, fmt.Errorf("%w: job %s after %d attempts", ErrLockContention, jobID, attempt)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func decode(data []byte) (*Checkpoint, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpointCorrupted, err)
	}
	if env.Version != Version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, env.Version, Version)
	}
	if len(env.Checkpoint) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrCheckpointCorrupted)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, env.Checkpoint); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpointCorrupted, err)
	}
	if got := digest(compact.Bytes()); got != env.IntegrityHash {
		return nil, fmt.Errorf("%w: integrity hash mismatch (stored %.12s, computed %.12s)",
			ErrCheckpointCorrupted, env.IntegrityHash, got)
	}

	var cp Checkpoint
	if err := json.Unmarshal(compact.Bytes(), &cp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpointCorrupted, err)
	}
	cp.IntegrityHash = env.IntegrityHash
	return &cp, nil
}

func digest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
