package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/beaver-mr/pkg/types"
)

// Executor 執行一個 assignment 直到終止狀態
type Executor interface {
	Execute(ctx context.Context, a types.WorkAssignment) types.AgentResult
}

// Task 代表要執行的 assignment
type Task struct {
	Assignment types.WorkAssignment // 要執行的 assignment
	Timeout    time.Duration        // 單一 agent 的執行上限，0 表示不限
}

// Result 代表 assignment 執行結果
type Result struct {
	Assignment types.WorkAssignment // 原始 assignment
	Agent      types.AgentResult    // agent 的終止結果
	WorkerID   int                  // 執行此任務的 worker
	Duration   time.Duration        // 實際執行時間（含排隊後取消）
}
