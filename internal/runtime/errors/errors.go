package errors

import sterrors "errors"

var (
	ErrServiceRequired   = sterrors.New("ipcflow: service is required")
	ErrBusRequired       = sterrors.New("ipcflow: bus is required")
	ErrPublisherRequired = sterrors.New("ipcflow: publisher is required")
	ErrChannelRequired   = sterrors.New("ipcflow: channel is required")
	ErrHandlerRequired   = sterrors.New("ipcflow: handler function is required")
	ErrProducerRequired  = sterrors.New("ipcflow: stream producer is required")
	ErrPeerIDRequired    = sterrors.New("ipcflow: peer id is required")
	ErrInvalidCapacity   = sterrors.New("ipcflow: capacity must be positive")
	ErrInvokeTimeout     = sterrors.New("ipcflow: invoke timed out")
	ErrBusClosed         = sterrors.New("ipcflow: bus is closed")
)
