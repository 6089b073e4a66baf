package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var activeStreams = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "casewire",
	Name:      "active_streams",
	Help:      "Open streaming connections by kind.",
}, []string{"kind"})

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
