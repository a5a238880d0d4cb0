package servicebus

import (
	"context"
	"errors"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"

	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/bus"
	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/types"
)

// mapError converts an SDK failure into a coded error. A lost message or
// session lock also wraps bus.ErrSessionLockLost so the communicator can
// reinitialize the session.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return types.WrapError(types.ErrCodeCanceled, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.WrapError(types.ErrCodeTimeout, op, err)
	}

	var sbErr *azservicebus.Error
	if !errors.As(err, &sbErr) {
		return types.WrapError(types.ErrCodeUnavailable, op, err)
	}
	switch sbErr.Code {
	case azservicebus.CodeLockLost:
		return types.WrapError(types.ErrCodeSessionLockLost, op, errors.Join(bus.ErrSessionLockLost, err))
	case azservicebus.CodeUnauthorizedAccess:
		return types.WrapError(types.ErrCodeConfiguration, op, err)
	case azservicebus.CodeTimeout:
		return types.WrapError(types.ErrCodeTimeout, op, err)
	default:
		return types.WrapError(types.ErrCodeUnavailable, op, err)
	}
}
