package liveness

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"execution-core/internal/model"
)

// HealthBridge mirrors liveness records into the standard gRPC health service
// so generic probes can watch sessions. Service names are "session.<account>"
// and "supervisor".
type HealthBridge struct {
	server *health.Server
	maxAge time.Duration
	now    func() time.Time
}

// NewHealthBridge creates a bridge; records older than maxAge report NOT_SERVING on Sweep.
func NewHealthBridge(maxAge time.Duration) *HealthBridge {
	return &HealthBridge{
		server: health.NewServer(),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// ServiceName returns the gRPC health service name for a liveness key.
func ServiceName(key string) string {
	if key == SupervisorKey {
		return SupervisorKey
	}
	return "session." + key
}

// Register attaches the health service to a gRPC server.
func (h *HealthBridge) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// Server exposes the underlying health server.
func (h *HealthBridge) Server() *health.Server { return h.server }

// Observe is installed with Store.OnUpdate.
func (h *HealthBridge) Observe(rec model.LivenessRecord) {
	h.server.SetServingStatus(ServiceName(rec.Key), h.status(rec))
}

// Sweep re-evaluates every record so silent sessions age out.
func (h *HealthBridge) Sweep(records []model.LivenessRecord) {
	for _, rec := range records {
		h.server.SetServingStatus(ServiceName(rec.Key), h.status(rec))
	}
}

// Start sweeps the store on interval until ctx ends, then marks everything NOT_SERVING.
func (h *HealthBridge) Start(ctx context.Context, store *Store, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				h.server.Shutdown()
				return
			case <-ticker.C:
				h.Sweep(store.All())
			}
		}
	}()
}

func (h *HealthBridge) status(rec model.LivenessRecord) healthpb.HealthCheckResponse_ServingStatus {
	if !rec.SessionActive {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	if h.maxAge > 0 && rec.Age(h.now()) > h.maxAge {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}
