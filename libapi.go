package ipcflow

import (
	"context"

	runtimepkg "github.com/ipcflow/ipcflow/internal/runtime"
	configpkg "github.com/ipcflow/ipcflow/internal/runtime/config"
	errspkg "github.com/ipcflow/ipcflow/internal/runtime/errors"
	ipcpkg "github.com/ipcflow/ipcflow/internal/runtime/ipc"
	loggingpkg "github.com/ipcflow/ipcflow/internal/runtime/logging"
	metricspkg "github.com/ipcflow/ipcflow/internal/runtime/metrics"
	streampkg "github.com/ipcflow/ipcflow/internal/runtime/stream"
	tracepkg "github.com/ipcflow/ipcflow/internal/runtime/trace"
	transportpkg "github.com/ipcflow/ipcflow/internal/runtime/transport"
	pubtransport "github.com/ipcflow/ipcflow/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Transport           = transportpkg.Transport
	TransportFactory    = transportpkg.Factory

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Call layer
	Bus         = ipcpkg.Bus
	HandlerFunc = ipcpkg.HandlerFunc
	EventFunc   = ipcpkg.EventFunc
	WireError   = ipcpkg.WireError

	// Stream protocol
	StreamProducer    = streampkg.Producer
	SliceProducer     = streampkg.SliceProducer
	FuncProducer      = streampkg.FuncProducer
	ProducerHandler   = streampkg.ProducerHandler
	StreamRegistry    = streampkg.Registry
	StreamHooks       = streampkg.Hooks
	StreamContext     = streampkg.StreamContext
	ConsumerHandlers  = streampkg.ConsumerHandlers
	RemoteStream      = streampkg.Remote
	ChunkCollector    = streampkg.ChunkCollector
	UploadCoordinator = streampkg.UploadCoordinator
	UploadCallbacks   = streampkg.UploadCallbacks
	UploadHandler     = streampkg.UploadHandler
	UploadState       = streampkg.UploadState

	// Observability
	TraceEvent    = tracepkg.Event
	TraceRecorder = tracepkg.Recorder
	PreviewMode   = tracepkg.PreviewMode
	MetricRow     = metricspkg.Row

	// Transport capabilities
	Capabilities = pubtransport.Capabilities

	// Modular transport types
	TransportBuilder      = pubtransport.Builder
	TransportConfig       = pubtransport.Config
	TransportRegistry     = pubtransport.Registry
	TransportCapabilities = pubtransport.Capabilities
)

const (
	PreviewModeNone     = tracepkg.PreviewModeNone
	PreviewModeRedacted = tracepkg.PreviewModeRedacted
	PreviewModeFull     = tracepkg.PreviewModeFull

	UploadIdle      = streampkg.UploadIdle
	UploadStarted   = streampkg.UploadStarted
	UploadReceiving = streampkg.UploadReceiving
	UploadEnded     = streampkg.UploadEnded
	UploadErrored   = streampkg.UploadErrored
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	ValidateConfig = configpkg.ValidateConfig
	LoadConfig     = configpkg.Load

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	PoisonQueueMiddleware   = runtimepkg.PoisonQueueMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	NewSliceProducer  = streampkg.NewSliceProducer
	NewChunkCollector = streampkg.NewChunkCollector

	GetTransportCapabilities = pubtransport.GetCapabilities
)

// Sentinel errors surfaced by the public API.
var (
	ErrServiceRequired  = errspkg.ErrServiceRequired
	ErrBusRequired      = errspkg.ErrBusRequired
	ErrChannelRequired  = errspkg.ErrChannelRequired
	ErrHandlerRequired  = errspkg.ErrHandlerRequired
	ErrProducerRequired = errspkg.ErrProducerRequired
	ErrInvokeTimeout    = errspkg.ErrInvokeTimeout
)

// NewSlogServiceLogger adapts a slog.Logger to the ServiceLogger interface.
var NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger

// OpenStream starts consuming a stream served on channel: the request goes
// out as an invoke, chunks and the terminal signal arrive through h, and the
// returned handle cancels the remote producer.
func OpenStream(ctx context.Context, svc *Service, channel string, request []byte, h ConsumerHandlers) (*RemoteStream, error) {
	if svc == nil {
		return nil, ErrServiceRequired
	}
	return streampkg.Open(ctx, svc.Bus(), channel, request, h)
}

// UploadStream pushes the chunks produced by source to the upload handler
// registered on channel at the remote peer. It returns when the source is
// drained or fails; the source is released either way.
func UploadStream(ctx context.Context, svc *Service, channel string, request []byte, source StreamProducer) error {
	if svc == nil {
		return ErrServiceRequired
	}
	return streampkg.Upload(ctx, svc.Bus(), channel, request, source)
}
