package service

import "print-studio/app/model"

// PollState 轮询会话状态
type PollState int

const (
	PollIdle PollState = iota
	PollPolling
	PollSucceeded
	PollFailed
	PollErrored
)

func (s PollState) String() string {
	switch s {
	case PollIdle:
		return "IDLE"
	case PollPolling:
		return "POLLING"
	case PollSucceeded:
		return "TERMINAL_SUCCESS"
	case PollFailed:
		return "TERMINAL_FAILURE"
	case PollErrored:
		return "TERMINAL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 是否为终态
func (s PollState) IsTerminal() bool {
	return s == PollSucceeded || s == PollFailed || s == PollErrored
}

// Callbacks 调用方提供的回调，均可为空
type Callbacks struct {
	OnProgress func(progress int, status model.TaskStatus, snap *TaskSnapshot)
	OnComplete func(imageURLs []string, snap *TaskSnapshot)
	OnError    func(err error)
}

// Notify 根据一次轮询的结果调用至多一个回调，自身不保存状态
func (cb Callbacks) Notify(state PollState, snap *TaskSnapshot, err error) {
	switch state {
	case PollPolling:
		if cb.OnProgress != nil && snap != nil {
			cb.OnProgress(snap.Progress, snap.Status, snap)
		}
	case PollSucceeded:
		if cb.OnComplete != nil && snap != nil {
			cb.OnComplete(snap.ImageURLs, snap)
		}
	case PollFailed, PollErrored:
		if cb.OnError != nil {
			cb.OnError(err)
		}
	}
}
