package grpc

import (
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name of the whole process. Each exchange
// source is reported under its exchange code.
const ServiceName = "kline-hub"

// refreshHealth publishes one status per exchange source. The process is
// SERVING while at least one source is connected, or when none is
// configured.
func (s *Server) refreshHealth() {
	statuses := s.sources.Status()
	anyConnected := len(statuses) == 0
	for _, st := range statuses {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if st.Connected {
			status = healthpb.HealthCheckResponse_SERVING
			anyConnected = true
		}
		s.health.SetServingStatus(st.Exchange, status)
	}

	overall := healthpb.HealthCheckResponse_NOT_SERVING
	if anyConnected {
		overall = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, overall)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}

func (s *Server) watchSources() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.refreshHealth()
		}
	}
}
