package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrLockHeld           = errors.New("lock already held")
	ErrSettlementConflict = errors.New("settlement conflict")
	ErrNoCandle           = errors.New("no final candle for round")
	ErrUnknownInstrument  = errors.New("unknown instrument")
)
