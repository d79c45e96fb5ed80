package session

import (
	"errors"
	"time"
)

type State string

const (
	StateConnecting       State = "CONNECTING"
	StateWaitingPartner   State = "WAITING_PARTNER"
	StateActive           State = "ACTIVE"
	StateSubmitted        State = "SUBMITTED"
	StateEnding           State = "ENDING"
	StateEnded            State = "ENDED"
	StateExited           State = "EXITED"
	StateConnectionFailed State = "CONNECTION_FAILED"
)

// ENDED 的原因，只保留第一个提交的
const (
	CauseConfirmed           = "CONFIRMED"
	CausePartnerDisconnected = "PARTNER_DISCONNECTED"
)

var (
	ErrConnection        = errors.New("CONNECTION_ERROR")
	ErrDocumentInit      = errors.New("DOCUMENT_INIT_ERROR")
	ErrInvalidTransition = errors.New("INVALID_TRANSITION")
)

// live 表示会话进行中，可以编辑、提交、收到结束事件
func (s State) live() bool {
	return s == StateActive || s == StateSubmitted || s == StateEnding
}

func (s State) terminal() bool {
	return s == StateEnded || s == StateExited || s == StateConnectionFailed
}

type Transition struct {
	From  State
	To    State
	Cause string
	At    time.Time
}
