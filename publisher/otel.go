package publisher

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/alwitt/gtrack/publisher"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}
