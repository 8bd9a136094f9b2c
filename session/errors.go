package session

import "errors"

var (
	// ErrDuplicateSession 同一 callID 重复创建会话
	ErrDuplicateSession = errors.New("session already exists for call")

	// ErrUnknownSession callID 没有对应的会话
	ErrUnknownSession = errors.New("no session for call")

	// ErrSessionEnded 会话已结束
	ErrSessionEnded = errors.New("session ended")
)
