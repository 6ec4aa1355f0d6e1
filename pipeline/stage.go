package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/livehead/types"
)

// Adapter 包装一个外部推理阶段.
//
// 每个 Runner 拥有独立的 Adapter 实例，Process 只会被该阶段的 goroutine 串行调用。
// Process 返回 (nil, nil) 表示输入已被消费但暂未产生输出（N:1 批处理）。
type Adapter interface {
	// Name 返回阶段名称，用于日志、指标与健康报告
	Name() string
	// Open 初始化推理句柄，返回 nil 表示阶段就绪
	Open(ctx context.Context) error
	// Process 处理一个上游元素
	Process(ctx context.Context, in *Item) (*Item, error)
	// Close 释放推理句柄
	Close() error
}

// Flusher 可选接口：流结束时输出阶段内部缓冲的尾部数据.
type Flusher interface {
	Flush(ctx context.Context) ([]*Item, error)
}

// Egress 视频出口契约.
//
// Deliver 返回 ItemError 表示仅丢弃该帧；其余错误视为出口故障，拆除流水线。
// Close 必须可以与进行中的 Deliver 并发调用，并使其尽快返回。
type Egress interface {
	Open(ctx context.Context) error
	Deliver(ctx context.Context, frame *Item) error
	Close() error
}

// Source 可选的音频来源（文件、采集设备）.
//
// Run 通过 emit 推送音频块，返回 nil 表示来源耗尽，Runner 随即进入 draining。
type Source interface {
	Run(ctx context.Context, emit func(AudioChunk, time.Time) error) error
}

// Observer 接收流水线运行指标。所有方法都必须是非阻塞的.
type Observer interface {
	ObserveStage(stage string, latency time.Duration, overBudget bool)
	ObserveItemFailure(stage string)
	ObserveDrop(queue string, policy DropPolicy)
	ObserveDelivered(endToEnd time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveStage(string, time.Duration, bool) {}
func (nopObserver) ObserveItemFailure(string)                {}
func (nopObserver) ObserveDrop(string, DropPolicy)           {}
func (nopObserver) ObserveDelivered(time.Duration)           {}

// StageSpec 描述一个阶段及其输入队列.
type StageSpec struct {
	Adapter Adapter
	Input   QueueConfig
	// Budget 软延迟预算，仅用于健康报告与指标，0 表示不设预算
	Budget time.Duration
}

// StageError 阶段失败.
type StageError struct {
	Stage string
	Fatal bool
	Err   error
}

// Error 实现 error 接口.
func (e *StageError) Error() string {
	kind := "item failure"
	if e.Fatal {
		kind = "fatal failure"
	}
	if e.Stage == "" {
		return fmt.Sprintf("%s: %v", kind, e.Err)
	}
	return fmt.Sprintf("stage %s %s: %v", e.Stage, kind, e.Err)
}

// Unwrap 返回底层错误.
func (e *StageError) Unwrap() error { return e.Err }

// ItemError 标记单条元素失败：跳过该元素，流水线继续.
func ItemError(err error) error {
	return &StageError{Err: err}
}

// FatalError 标记致命失败：推理引擎不可用，拆除整条流水线.
func FatalError(err error) error {
	return &StageError{Fatal: true, Err: err}
}

// isItemFailure 判断出口错误是否仅丢失当前帧；出口的未分类错误视为断连.
func isItemFailure(err error) bool {
	var se *StageError
	return errors.As(err, &se) && !se.Fatal
}

// IsFatal 判断错误是否为致命失败.
//
// 未分类的错误按单条失败处理；携带 STAGE_FATAL / EGRESS_FAILURE 错误码的 types.Error 视为致命。
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Fatal
	}
	switch types.GetErrorCode(err) {
	case types.ErrStageFatal, types.ErrEgressFailure:
		return true
	}
	return false
}
