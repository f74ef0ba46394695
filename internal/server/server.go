// ============================================================================
// Beaver-MR gRPC 控制服務
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 以 gRPC 對外提供 Engine 操作（提交、查詢、取消、恢復、DLQ、checkpoint）
//
// 訊息格式:
//   所有請求與回應都是 google.protobuf.Struct，內容即 JSON 物件，
//   欄位名稱與 controller / dlq 的 JSON tag 一致。
//
// 生命週期:
//   透過 gRPC 提交或恢復的 job 以 Server 的 base context 執行，
//   請求結束不會中斷 job；base context 取消時所有 job 中斷並保存 checkpoint。
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/beaver-mr/internal/checkpoint"
	"github.com/ChuLiYu/beaver-mr/internal/controller"
	"github.com/ChuLiYu/beaver-mr/internal/dlq"
	"github.com/ChuLiYu/beaver-mr/internal/planner"
	"github.com/ChuLiYu/beaver-mr/internal/variables"
	"github.com/ChuLiYu/beaver-mr/pkg/types"
)

var log = slog.Default()

// ServiceName 是 gRPC 服務全名
const ServiceName = "beaver.v1.JobControl"

// Job 狀態
const (
	StateRunning  = "running"
	StateFinished = "finished"
	StateStored   = "stored"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// ControlServer 是控制服務的方法集合
type ControlServer interface {
	SubmitJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	JobStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResumeJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListJobs(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QueryDLQ(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReprocessDLQ(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetCheckpoint(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// SubmitRequest 是 SubmitJob 的請求內容
type SubmitRequest struct {
	Items  []any                `json:"items"`
	Config controller.JobConfig `json:"config"`
}

// JobRequest 只指定 job
type JobRequest struct {
	JobID types.JobID `json:"job_id"`
	Phase types.Phase `json:"phase,omitempty"`
}

// ResumeRequest 是 ResumeJob 的請求內容
type ResumeRequest struct {
	JobID       types.JobID `json:"job_id"`
	IncludeDLQ  *bool       `json:"include_dlq,omitempty"`
	Force       bool        `json:"force,omitempty"`
	MaxParallel int         `json:"max_parallel,omitempty"`
	DryRun      bool        `json:"dry_run,omitempty"`
}

// DLQRequest 是 QueryDLQ 的請求內容
type DLQRequest struct {
	JobID  types.JobID `json:"job_id"`
	Filter dlq.Filter  `json:"filter"`
}

// ReprocessRequest 是 ReprocessDLQ 的請求內容，選項與 job_id 同層
type ReprocessRequest struct {
	JobID types.JobID `json:"job_id"`
	dlq.ReprocessOptions
}

// StatusResponse 描述 job 狀態
type StatusResponse struct {
	JobID  types.JobID            `json:"job_id"`
	State  string                 `json:"state"`
	Phase  types.Phase            `json:"phase,omitempty"`
	Report *controller.JobReport  `json:"report,omitempty"`
	Error  string                 `json:"error,omitempty"`
	Saved  *checkpoint.Checkpoint `json:"-"`
}

// ResumeResponse 是 ResumeJob 的回應
type ResumeResponse struct {
	JobID       types.JobID               `json:"job_id"`
	Phase       types.Phase               `json:"phase"`
	Outstanding []types.ItemID            `json:"outstanding"`
	Skipped     []types.ItemID            `json:"skipped,omitempty"`
	FromDLQ     []types.ItemID            `json:"from_dlq,omitempty"`
	Completed   int                       `json:"completed"`
	Environment variables.EnvironmentDiff `json:"environment"`
	Warnings    []string                  `json:"warnings,omitempty"`
	Variables   variables.Scope           `json:"variables,omitempty"`
	Started     bool                      `json:"started"`
}

// finished 是已結束 job 的結果
type finished struct {
	report *controller.JobReport
	err    error
}

// Server 實作 ControlServer
type Server struct {
	engine *controller.Engine
	base   context.Context
	health *health.Server

	mu       sync.Mutex
	handles  map[types.JobID]*controller.JobHandle
	finished map[types.JobID]finished
}

var _ ControlServer = (*Server)(nil)

// ============================================================================
// 核心方法實作
// ============================================================================

// NewServer 建立控制服務；base 是所有 job 的父 context
func NewServer(base context.Context, engine *controller.Engine) *Server {
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return &Server{
		engine:   engine,
		base:     base,
		health:   hs,
		handles:  make(map[types.JobID]*controller.JobHandle),
		finished: make(map[types.JobID]finished),
	}
}

// Register 註冊控制服務與 health 服務
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(g, s.health)
}

// Shutdown 把 health 狀態設為 NOT_SERVING
func (s *Server) Shutdown() {
	s.health.Shutdown()
}

// Wait 等待所有由本服務啟動的 job 結束
func (s *Server) Wait(ctx context.Context) error {
	s.mu.Lock()
	handles := make([]*controller.JobHandle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// SubmitJob 提交 job，回傳 {"job_id": ...}
func (s *Server) SubmitJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SubmitRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	h, err := s.engine.SubmitJob(s.base, req.Items, req.Config)
	if err != nil {
		return nil, toStatus(err)
	}
	s.track(h)
	return encode(JobRequest{JobID: h.JobID()})
}

// JobStatus 回傳執行中、已結束或僅存在 checkpoint 的 job 狀態
func (s *Server) JobStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req JobRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	resp, err := s.lookup(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	return encode(resp)
}

// CancelJob 中斷執行中的 job
func (s *Server) CancelJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req JobRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	s.mu.Lock()
	h, ok := s.handles[req.JobID]
	s.mu.Unlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "job %s is not running", req.JobID)
	}
	h.Cancel()
	log.Info("Job cancelled via gRPC", "jobID", req.JobID)
	return encode(StatusResponse{JobID: req.JobID, State: StateRunning})
}

// ResumeJob 恢復 job；dry_run 時只回傳恢復計畫
func (s *Server) ResumeJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ResumeRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	opts := controller.ResumeOptions{IncludeDLQ: req.IncludeDLQ, Force: req.Force, MaxParallel: req.MaxParallel}

	var (
		res *controller.ResumeResult
		err error
	)
	if req.DryRun {
		res, err = s.engine.PreviewResume(ctx, req.JobID, opts)
	} else {
		res, err = s.engine.ResumeJob(s.base, req.JobID, opts)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	if res.Handle != nil {
		s.track(res.Handle)
	}
	return encode(ResumeResponse{
		JobID:       res.JobID,
		Phase:       res.Phase,
		Outstanding: res.Outstanding,
		Skipped:     res.Skipped,
		FromDLQ:     res.FromDLQ,
		Completed:   res.Completed,
		Environment: res.Environment,
		Warnings:    res.Warnings,
		Variables:   res.Variables,
		Started:     res.Handle != nil,
	})
}

// ListJobs 回傳 {"jobs": [...]}
func (s *Server) ListJobs(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	jobs, err := s.engine.ListJobs(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"jobs": jobs})
}

// QueryDLQ 回傳 {"items": [...]}
func (s *Server) QueryDLQ(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req DLQRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	items, err := s.engine.QueryDLQ(ctx, req.JobID, req.Filter)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"items": items})
}

// ReprocessDLQ 重新處理符合 filter 的 DLQ item
func (s *Server) ReprocessDLQ(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ReprocessRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	res, err := s.engine.ReprocessDLQ(ctx, req.JobID, req.ReprocessOptions)
	if err != nil && res == nil {
		return nil, toStatus(err)
	}
	if err != nil {
		log.Warn("Reprocessing finished with errors", "jobID", req.JobID, "error", err)
	}
	return encode(res)
}

// GetCheckpoint 回傳 checkpoint；phase 為空時回傳最新的
func (s *Server) GetCheckpoint(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req JobRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	cp, err := s.engine.GetCheckpoint(ctx, req.JobID, req.Phase)
	if err != nil {
		return nil, toStatus(err)
	}
	if cp == nil {
		return nil, status.Errorf(codes.NotFound, "no checkpoint for job %s", req.JobID)
	}
	return encode(cp)
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// track 記住 handle，並在 job 結束後保存結果
func (s *Server) track(h *controller.JobHandle) {
	s.mu.Lock()
	s.handles[h.JobID()] = h
	delete(s.finished, h.JobID())
	s.mu.Unlock()

	go func() {
		report, err := h.Wait(context.Background())
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.handles[h.JobID()] == h {
			delete(s.handles, h.JobID())
		}
		s.finished[h.JobID()] = finished{report: report, err: err}
	}()
}

// lookup 依序查詢執行中、已結束、僅有 checkpoint 的 job
func (s *Server) lookup(ctx context.Context, jobID types.JobID) (StatusResponse, error) {
	resp := StatusResponse{JobID: jobID}

	s.mu.Lock()
	_, running := s.handles[jobID]
	done, hasResult := s.finished[jobID]
	s.mu.Unlock()

	switch {
	case running:
		resp.State = StateRunning
		return resp, nil
	case hasResult:
		resp.State = StateFinished
		resp.Report = done.report
		if done.err != nil {
			resp.Error = done.err.Error()
		}
		return resp, nil
	}

	cp, err := s.engine.GetCheckpoint(ctx, jobID, "")
	if err != nil {
		return resp, toStatus(err)
	}
	if cp == nil {
		return resp, status.Errorf(codes.NotFound, "unknown job %s", jobID)
	}
	resp.State = StateStored
	resp.Phase = cp.Phase
	return resp, nil
}

// toStatus 把 Engine 錯誤轉成 gRPC status
func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, controller.ErrNoCheckpoint):
		code = codes.NotFound
	case errors.Is(err, controller.ErrInvalidConfig), errors.Is(err, planner.ErrInvalidFilter):
		code = codes.InvalidArgument
	case errors.Is(err, controller.ErrJobRunning), errors.Is(err, controller.ErrResumeInProgress),
		errors.Is(err, checkpoint.ErrLockContention), errors.Is(err, dlq.ErrReprocessInProgress):
		code = codes.Aborted
	case errors.Is(err, variables.ErrEnvironmentMismatch):
		code = codes.FailedPrecondition
	case errors.Is(err, checkpoint.ErrCheckpointCorrupted), errors.Is(err, checkpoint.ErrIncompatibleVersion):
		code = codes.DataLoss
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}

// decode 把 Struct 轉成 JSON 再解到 dst
func decode(in *structpb.Struct, dst any) error {
	if in == nil {
		return nil
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "marshal request: %v", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	return nil
}

// encode 把 JSON 物件轉成 Struct
func encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "marshal response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// ============================================================================
// gRPC 服務描述
// ============================================================================

type method func(ControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call method) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			cs := srv.(ControlServer)
			if interceptor == nil {
				return call(cs, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fmt.Sprintf("/%s/%s", ServiceName, name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(cs, ctx, req.(*structpb.Struct))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitJob", ControlServer.SubmitJob),
		unary("JobStatus", ControlServer.JobStatus),
		unary("CancelJob", ControlServer.CancelJob),
		unary("ResumeJob", ControlServer.ResumeJob),
		unary("ListJobs", ControlServer.ListJobs),
		unary("QueryDLQ", ControlServer.QueryDLQ),
		unary("ReprocessDLQ", ControlServer.ReprocessDLQ),
		unary("GetCheckpoint", ControlServer.GetCheckpoint),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "beaver/v1/control.proto",
}

// ============================================================================
// 用戶端
// ============================================================================

// Client 呼叫遠端控制服務
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient 包裝既有連線
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Call 以 req 的 JSON 形式呼叫 method，並把回應解到 resp（可為 nil）
func (c *Client) Call(ctx context.Context, name string, req, resp any) error {
	in, err := encode(req)
	if err != nil {
		return err
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, fmt.Sprintf("/%s/%s", ServiceName, name), in, out); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return decode(out, resp)
}

// WaitFinished 輪詢 JobStatus 直到 job 不再執行
func (c *Client) WaitFinished(ctx context.Context, jobID types.JobID, every time.Duration) (*StatusResponse, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		var st StatusResponse
		if err := c.Call(ctx, "JobStatus", JobRequest{JobID: jobID}, &st); err != nil {
			return nil, err
		}
		if st.State != StateRunning {
			return &st, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
