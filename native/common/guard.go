package common

import "errors"

// ErrModulePaused is returned by Guard when the requested module is paused.
// Pausing blocks trade creation only; settlement of existing trades always
// proceeds.
var ErrModulePaused = errors.New("module paused")

// ModuleTrade names the trade-creation surface guarded by the factory pause
// flag.
const ModuleTrade = "trade"

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
