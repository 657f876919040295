package runtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/ipcflow/ipcflow/internal/runtime/config"
	ipcpkg "github.com/ipcflow/ipcflow/internal/runtime/ipc"
	"github.com/ipcflow/ipcflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/ipcflow/ipcflow/internal/runtime/logging"
	metricspkg "github.com/ipcflow/ipcflow/internal/runtime/metrics"
	streampkg "github.com/ipcflow/ipcflow/internal/runtime/stream"
	tracepkg "github.com/ipcflow/ipcflow/internal/runtime/trace"
	transportpkg "github.com/ipcflow/ipcflow/internal/runtime/transport"
	pubtransport "github.com/ipcflow/ipcflow/transport"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to take the defaults.
type ServiceDependencies struct {
	TransportFactory transportpkg.Factory
	StreamHooks      streampkg.Hooks
	TraceObservers   []tracepkg.Observer
	// Middlewares are appended after the default middleware chain.
	Middlewares []MiddlewareRegistration
	// DisableDefaultMiddlewares skips registering the default chain when true.
	DisableDefaultMiddlewares bool
}

// Service wires the transport, bus, stream registries, trace recorder, and
// inspection endpoints into one runnable peer.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	publisher  message.Publisher
	subscriber message.Subscriber
	router     *message.Router

	capabilities pubtransport.Capabilities

	bus        *ipcpkg.Bus
	streams    *streampkg.Registry
	uploads    *streampkg.UploadCoordinator
	recorder   *tracepkg.Recorder
	collectors *metricspkg.Collectors
	engine     *metricspkg.Engine

	resourceTracker *resourceTracker

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
}

// NewService constructs a Service for the supplied configuration. Register
// handlers on the returned Service before calling Start. Construction
// failures panic; use TryNewService to handle them instead.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService is NewService with construction errors returned instead of
// panicking.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating ipcflow service",
		loggingpkg.LogFields{
			"pubsub_system": conf.PubSubSystem,
			"config":        conf,
		})

	s := &Service{
		Conf:            conf,
		Logger:          log,
		engine:          metricspkg.NewEngine(),
		resourceTracker: newResourceTracker(),
	}

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	transport, err := factory.Build(ctx, conf, wmLogger)
	if err != nil {
		return nil, err
	}

	s.publisher = transport.Publisher
	s.subscriber = transport.Subscriber

	s.capabilities = pubtransport.GetCapabilities(conf.PubSubSystem)
	if !s.capabilities.SupportsOrderedStreams() {
		log.Info("Transport does not guarantee chunk ordering, stream consumers must tolerate interleaved delivery",
			loggingpkg.LogFields{"pubsub_system": conf.PubSubSystem})
	}

	observers := deps.TraceObservers
	if conf.MetricsEnabled {
		s.collectors = metricspkg.NewCollectors(prometheus.DefaultRegisterer)
		if err := s.collectors.Register(); err != nil {
			return nil, err
		}
		observers = append(observers, s.collectors)
	}

	capacity := conf.TraceBufferCapacity
	if capacity == 0 {
		capacity = configpkg.DefaultTraceBufferCapacity
	}
	recorder, err := tracepkg.NewRecorder(capacity, s.publisher, log, observers...)
	if err != nil {
		return nil, err
	}
	s.recorder = recorder

	if mode, ok := tracepkg.ParsePreviewMode(conf.PayloadPreviewMode); ok && conf.PayloadPreviewMode != "" {
		tracepkg.SetPreviewMode(mode)
	}

	bus, err := ipcpkg.NewBus(ipcpkg.BusConfig{
		PeerID:        conf.PeerID,
		Publisher:     s.publisher,
		Subscriber:    s.subscriber,
		Logger:        log,
		Recorder:      recorder,
		InvokeTimeout: conf.InvokeTimeout,
	})
	if err != nil {
		return nil, err
	}
	s.bus = bus

	streams, err := streampkg.NewRegistry(bus, recorder, log, deps.StreamHooks)
	if err != nil {
		return nil, err
	}
	s.streams = streams

	uploads, err := streampkg.NewUploadCoordinator(bus, recorder, log, deps.StreamHooks)
	if err != nil {
		return nil, err
	}
	s.uploads = uploads

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		return nil, err
	}

	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}
	s.registerReservedHandlers()

	return s, nil
}

// Start runs the underlying Watermill router until the provided context is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.StartInspectServer()
	s.startHTTPServers()
	return routerRun(s.router, ctx)
}

// Bus exposes the call layer for invoke/send/handle registration.
func (s *Service) Bus() *ipcpkg.Bus { return s.bus }

// Streams exposes the producer-side stream registry.
func (s *Service) Streams() *streampkg.Registry { return s.streams }

// Uploads exposes the upload coordinator.
func (s *Service) Uploads() *streampkg.UploadCoordinator { return s.uploads }

// Recorder exposes the trace event recorder.
func (s *Service) Recorder() *tracepkg.Recorder { return s.recorder }

// Capabilities reports what the configured transport declared about itself.
// Stream consumers use it to decide whether chunk ordering can be relied on.
func (s *Service) Capabilities() pubtransport.Capabilities { return s.capabilities }

// Metrics computes the aggregated per-channel metric rows from the events
// currently held in the trace buffer.
func (s *Service) Metrics() []metricspkg.Row {
	return s.engine.Compute(s.recorder.Events())
}

// SetPreviewMode applies mode locally and broadcasts it on the reserved
// preview-mode channel so every connected peer follows.
func (s *Service) SetPreviewMode(ctx context.Context, mode tracepkg.PreviewMode) error {
	tracepkg.SetPreviewMode(mode)
	payload, err := jsoncodec.Marshal(previewModeMessage{Mode: string(mode)})
	if err != nil {
		return err
	}
	return s.bus.Emit(ctx, tracepkg.PreviewModeChannel, payload, nil)
}

type previewModeMessage struct {
	Mode string `json:"mode"`
}

// registerReservedHandlers subscribes the two reserved observability channels.
// Neither passes through the bus trace path: recording the trace transport
// would feed the recorder its own output.
func (s *Service) registerReservedHandlers() {
	s.router.AddNoPublisherHandler(
		"trace_event_ingest",
		tracepkg.EventChannel,
		s.subscriber,
		func(msg *message.Message) error {
			var ev tracepkg.Event
			if err := jsoncodec.Unmarshal(msg.Payload, &ev); err != nil {
				s.Logger.Debug("Dropping malformed trace event", loggingpkg.LogFields{"error": err.Error()})
				return nil
			}
			// Locally recorded events come back over the wire too; the
			// recorder already holds those.
			if ev.PeerID == s.bus.PeerID() {
				return nil
			}
			s.recorder.Ingest(ev)
			return nil
		},
	)

	s.router.AddNoPublisherHandler(
		"preview_mode_follow",
		tracepkg.PreviewModeChannel,
		s.subscriber,
		func(msg *message.Message) error {
			var pm previewModeMessage
			if err := jsoncodec.Unmarshal(msg.Payload, &pm); err != nil {
				return nil
			}
			mode, ok := tracepkg.ParsePreviewMode(pm.Mode)
			if !ok {
				s.Logger.Debug("Ignoring unknown preview mode", loggingpkg.LogFields{"mode": pm.Mode})
				return nil
			}
			tracepkg.SetPreviewMode(mode)
			return nil
		},
	)
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func(addr string, handler http.Handler) {
			if err := http.ListenAndServe(addr, handler); err != nil {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": addr})
			}
		}(addr, mux)
	}
}
