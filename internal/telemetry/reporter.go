package telemetry

import (
	"time"

	"go.uber.org/zap"

	"github.com/cartemplate/host/internal/infrastructure/logging"
	"github.com/cartemplate/host/internal/infrastructure/monitoring"
	"github.com/cartemplate/host/internal/shared/types"
)

// Reporter receives the outcome of each logical remote call.
type Reporter interface {
	Success(app types.AppIdentity, api API, elapsed time.Duration)
	Failure(app types.AppIdentity, api API, err error)
}

// Recorder is the production Reporter: structured logs plus metrics.
type Recorder struct {
	log     *logging.Logger
	metrics *monitoring.Metrics
}

// NewRecorder creates a Recorder. metrics may be nil in tests.
func NewRecorder(log *logging.Logger, metrics *monitoring.Metrics) *Recorder {
	return &Recorder{log: log, metrics: metrics}
}

// Success records a completed remote call.
func (r *Recorder) Success(app types.AppIdentity, api API, elapsed time.Duration) {
	r.log.Debug("remote call succeeded",
		logging.App(app),
		zap.String("api", string(api)),
		zap.Duration("elapsed", elapsed),
	)
	r.metrics.RecordDispatch(string(api), "ok", elapsed)
}

// Failure records a failed remote call.
func (r *Recorder) Failure(app types.AppIdentity, api API, err error) {
	r.log.Warn("remote call failed",
		logging.App(app),
		zap.String("api", string(api)),
		zap.Error(err),
	)
	r.metrics.RecordDispatch(string(api), "error", 0)
}

// Nop is a Reporter that discards everything. Useful in tests.
type Nop struct{}

func (Nop) Success(types.AppIdentity, API, time.Duration) {}
func (Nop) Failure(types.AppIdentity, API, error)        {}
