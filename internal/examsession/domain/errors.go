package domain

import "errors"

var (
	ErrSessionNotFound      = errors.New("session_not_found")
	ErrNotSessionOwner      = errors.New("not_session_owner")
	ErrExamAlreadyCompleted = errors.New("exam_already_completed")
	ErrNoActiveSession      = errors.New("no_active_session")
	ErrUnknownModule        = errors.New("unknown_module")
	ErrUnknownVariant       = errors.New("unknown_variant")
	ErrModuleNotInVariant   = errors.New("module_not_in_variant")
)
