package tracking

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/alwitt/gtrack/tracking"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}
