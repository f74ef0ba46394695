package controller

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ChuLiYu/beaver-mr/internal/agent"
	"github.com/ChuLiYu/beaver-mr/internal/aggregate"
	"github.com/ChuLiYu/beaver-mr/internal/dlq"
	"github.com/ChuLiYu/beaver-mr/internal/planner"
	"github.com/ChuLiYu/beaver-mr/pkg/types"
)

const (
	DefaultMaxParallel        = 4
	DefaultCheckpointInterval = 30 * time.Second
)

// JobConfig 描述一個 job。整份設定會存進 checkpoint，恢復與重新處理時沿用。
type JobConfig struct {
	// JobID 空白時由 SubmitJob 產生
	JobID        types.JobID   `json:"job_id,omitempty" yaml:"job_id"`
	MaxParallel  int           `json:"max_parallel" yaml:"max_parallel"`
	AgentTimeout time.Duration `json:"agent_timeout,omitempty" yaml:"agent_timeout"`
	GracePeriod  time.Duration `json:"grace_period,omitempty" yaml:"grace_period"`

	// 規劃
	Filter  string `json:"filter,omitempty" yaml:"filter"`
	Offset  int    `json:"offset,omitempty" yaml:"offset"`
	Limit   int    `json:"limit,omitempty" yaml:"limit"`
	IDField string `json:"id_field,omitempty" yaml:"id_field"`

	// 執行
	Commands         []agent.Command `json:"commands" yaml:"commands"`
	TransientRetries int             `json:"transient_retries,omitempty" yaml:"transient_retries"`
	RetryDelay       time.Duration   `json:"retry_delay,omitempty" yaml:"retry_delay"`

	// 持久化；CheckpointEvery 為 0 時只依時間間隔保存
	CheckpointInterval time.Duration `json:"checkpoint_interval" yaml:"checkpoint_interval"`
	CheckpointEvery    int           `json:"checkpoint_every_items,omitempty" yaml:"checkpoint_every_items"`
	MaxRetries         int           `json:"max_retries" yaml:"max_retries"`

	CriticalEnv []string                  `json:"critical_env,omitempty" yaml:"critical_env"`
	Variables   map[string]any            `json:"variables,omitempty" yaml:"variables"`
	Aggregates  map[string]aggregate.Spec `json:"aggregates,omitempty" yaml:"aggregates"`
}

// withDefaults 補上未設定的欄位
func (c JobConfig) withDefaults() JobConfig {
	if c.MaxParallel == 0 {
		c.MaxParallel = DefaultMaxParallel
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = DefaultCheckpointInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = dlq.DefaultMaxRetries
	}
	return c
}

// validate 檢查設定，回傳的 Predicate 可能為 nil（不過濾）
func (c JobConfig) validate() (planner.Predicate, error) {
	if c.MaxParallel < 0 {
		return nil, fmt.Errorf("%w: max_parallel must be positive, got %d", ErrInvalidConfig, c.MaxParallel)
	}
	if c.Offset < 0 || c.Limit < 0 {
		return nil, fmt.Errorf("%w: offset and limit must not be negative", ErrInvalidConfig)
	}
	for i, cmd := range c.Commands {
		if cmd.Kind != agent.CommandShell && cmd.Kind != agent.CommandAgent {
			return nil, fmt.Errorf("%w: command %d has unknown kind %q", ErrInvalidConfig, i, cmd.Kind)
		}
	}
	for name, spec := range c.Aggregates {
		if _, err := aggregate.ParseKind(string(spec.Kind)); err != nil {
			return nil, fmt.Errorf("%w: aggregate %s: %v", ErrInvalidConfig, name, err)
		}
	}
	pred, err := planner.ParseFilter(c.Filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return pred, nil
}

func (c JobConfig) planner(pred planner.Predicate) planner.Config {
	return planner.Config{Filter: pred, Offset: c.Offset, Limit: c.Limit, IDField: c.IDField}
}

func (c JobConfig) encode() (json.RawMessage, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode job config: %w", err)
	}
	return raw, nil
}

func decodeConfig(raw json.RawMessage) (JobConfig, error) {
	var cfg JobConfig
	if len(raw) == 0 {
		return cfg.withDefaults(), nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("decode job config: %w", err)
	}
	return cfg.withDefaults(), nil
}
