package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/watershed-dss/wqdss/version"
)

// HealthResponse reports the service's liveness and a rough sense of
// current load, grounded on the teacher's own health endpoint shape.
type HealthResponse struct {
	Status          string `json:"status"`
	Models          int    `json:"models"`
	ExecutionsTotal int    `json:"executions_total"`
}

// VersionResponse reports the running binary's own version and its
// dependency manifest, for operators diagnosing a deployed build.
type VersionResponse struct {
	Version   string             `json:"version"`
	BuildInfo *version.BuildInfo `json:"build_info"`
}

// HealthHandler returns a handler reporting liveness plus registry sizes.
func (s *Server) HealthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:          "ok",
		Models:          len(s.Models.List()),
		ExecutionsTotal: len(s.Execs.List()),
	})
}

// VersionHandler reports this binary's own version and build dependency
// manifest.
func (s *Server) VersionHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, VersionResponse{
		Version:   version.GetServiceVersion(),
		BuildInfo: version.GetBuildInfo(),
	})
}
