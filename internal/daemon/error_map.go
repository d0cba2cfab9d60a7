package daemon

import (
	"errors"

	"github.com/storaged-project/blivet-gui-sub000/internal/engine"
	"github.com/storaged-project/blivet-gui-sub000/internal/ipc"
)

func classifyInitError(err error) ipc.InitReason {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrLocked) {
		return ipc.ReasonAlreadyRunning
	}
	if errors.Is(err, engine.ErrUnusable) {
		return ipc.ReasonUnusableResource
	}
	return ipc.ReasonOtherException
}

func classifyOperationError(err error) ipc.ErrorKind {
	if err == nil {
		return ""
	}
	var keyErr *engine.KeyError
	if errors.As(err, &keyErr) {
		return ipc.KindKey
	}
	if errors.Is(err, engine.ErrUnknownOperation) {
		return ipc.KindUnknownMethod
	}
	var re *ipc.RemoteError
	if errors.As(err, &re) && re.Kind != "" {
		return re.Kind
	}
	return ipc.KindOperation
}
