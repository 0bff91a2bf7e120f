package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/simplesurance/gotrigger/internal/logfields"
)

// RegisterHandlers registers the trigger handler at endpoint and, if
// metricsEndpoint is not empty, the prometheus metrics handler.
func (h *Handler) RegisterHandlers(mux *http.ServeMux, endpoint, metricsEndpoint string) {
	mux.Handle(endpoint, otelhttp.NewHandler(h, "gotrigger.relay"))
	h.logger.Info(
		"registered trigger http endpoint",
		logfields.Event("relay_http_handler_registered"),
		zap.String("endpoint", endpoint),
	)

	if metricsEndpoint == "" {
		return
	}

	mux.Handle(metricsEndpoint, promhttp.Handler())
	h.logger.Info(
		"registered metrics http endpoint",
		logfields.Event("metrics_http_handler_registered"),
		zap.String("endpoint", metricsEndpoint),
	)
}
