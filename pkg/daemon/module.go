package daemon

import (
	"context"
	"net/http"

	"github.com/nous-labs/attune/pkg/dream"
)

type Module interface {
	Name() string
	Init(d *Daemon) error
	RegisterRoutes(mux *http.ServeMux)
	Start(ctx context.Context) error
	Stop() error
}

// Maintainer is implemented by modules that own expiring state. Their
// sweepers join the dream worker's schedule.
type Maintainer interface {
	Sweepers() []dream.Sweeper
}
