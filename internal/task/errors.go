package task

import (
	xerrors "AutoTrader-Chain/internal/errors"
)

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(xerrors.CodeNotFound, "task not found")
	// ErrInvalidState 表示任务在当前状态下无法进行所请求的操作。
	ErrInvalidState = xerrors.New(xerrors.CodeInvalidState, "task is not in a state that allows this operation")
)
