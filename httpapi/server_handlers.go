package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/watershed-dss/wqdss"
	"github.com/watershed-dss/wqdss/execreg"
	"github.com/watershed-dss/wqdss/internal/wqerrors"
	"github.com/watershed-dss/wqdss/internal/wqlog"
	"github.com/watershed-dss/wqdss/modelstore"
	"github.com/watershed-dss/wqdss/sweep"
)

// Server holds the registries and sweep engine the HTTP routes operate
// over, so handlers never reach for process-global state.
type Server struct {
	Models *modelstore.Store
	Execs  *execreg.Registry
	Engine *sweep.Engine

	log *wqlog.ContextLogger
}

// NewServer returns a Server ready to have its routes registered.
func NewServer(models *modelstore.Store, execs *execreg.Registry, engine *sweep.Engine) *Server {
	return &Server{
		Models: models,
		Execs:  execs,
		Engine: engine,
		log:    wqlog.New().WithField("component", "httpapi"),
	}
}

// RegisterRoutes wires every route this service exposes onto e.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", s.HealthHandler)
	e.GET("/version", s.VersionHandler)

	e.POST("/dss", s.SubmitSweepHandler)
	e.GET("/status/:id", s.StatusHandler)
	e.GET("/best_run/:id", s.BestRunHandler)
	e.GET("/executions", s.ListExecutionsHandler)

	e.GET("/models", s.ListModelsHandler)
	e.POST("/models", s.UploadModelHandler)
	e.GET("/models/:name", s.GetModelHandler)
}

// submitResponse is the body of a successful POST /dss.
type submitResponse struct {
	ID string `json:"id"`
}

// SubmitSweepHandler parses a multipart sweep submission (an "input" JSON
// field plus an optional "model_name" field), registers a new Execution,
// and kicks off its sweep in the background. The request returns as soon
// as the execution is registered; clients poll GET /status/{id}.
func (s *Server) SubmitSweepHandler(c echo.Context) error {
	raw := c.FormValue("input")
	if raw == "" {
		return echo.NewHTTPError(http.StatusBadRequest, wqerrors.ErrInvalidSweepSpec.Error()+": missing input field")
	}

	var spec wqdss.SweepSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, wqerrors.ErrInvalidSweepSpec.Error()+": "+err.Error())
	}

	if len(spec.ModelRun.InputFiles) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, wqerrors.ErrInvalidSweepSpec.Error()+": no input files")
	}
	if spec.ModelAnalysis.OutputFile == "" {
		return echo.NewHTTPError(http.StatusBadRequest, wqerrors.ErrInvalidSweepSpec.Error()+": no output file")
	}
	for _, p := range spec.ModelAnalysis.Parameters {
		if p.Weight <= 0 || p.ScoreStep <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, wqerrors.ErrInvalidSweepSpec.Error()+": parameter "+p.Name+" needs a positive weight and score_step")
		}
	}

	modelName := c.FormValue("model_name")
	if modelName == "" {
		modelName = spec.ModelRun.ModelName
	}
	if modelName == "" {
		modelName = wqdss.DefaultModelName
	}

	exec := wqdss.NewExecution(uuid.NewString(), modelName, spec.ModelAnalysis.OutputFile)
	s.Execs.Register(exec)

	go func() {
		if err := s.Engine.Run(context.Background(), exec, spec); err != nil {
			s.log.WithField("exec_id", exec.ID).WithError(err).Warnf("sweep execution finished with an error")
		}
	}()

	return c.JSON(http.StatusAccepted, submitResponse{ID: exec.ID})
}

// statusResponse is the body of GET /status/{id}. Result is a bare
// wqdss.IterationResult for a single-iteration execution, matching the
// original service's result shape (processing.py's Execution.execute
// sets self.result to one dict); an execution with more than one
// iteration reports the full []wqdss.IterationResult array instead,
// since that case has no analogue in the original.
type statusResponse struct {
	ID     string          `json:"id"`
	Status wqdss.ExecState `json:"status"`
	Result interface{}     `json:"result,omitempty"`
}

// execNotFoundStatus is the wqdss.ExecState literal returned for an
// unknown exec_id, matching the original service's status() handler:
// a 200 carrying {"id", "status": "NOT_FOUND"} rather than an error
// envelope.
const execNotFoundStatus wqdss.ExecState = "NOT_FOUND"

// StatusHandler reports an execution's current state and, once
// available, its per-iteration results. An unknown exec_id is not an
// HTTP error: it reports status NOT_FOUND in the same response shape.
func (s *Server) StatusHandler(c echo.Context) error {
	id := c.Param("id")
	exec, err := s.Execs.Get(id)
	if err != nil {
		if errors.Is(err, wqerrors.ErrExecutionNotFound) {
			return c.JSON(http.StatusOK, statusResponse{ID: id, Status: execNotFoundStatus})
		}
		return err
	}
	return c.JSON(http.StatusOK, statusResponse{
		ID:     exec.ID,
		Status: exec.State(),
		Result: resultPayload(exec.Result()),
	})
}

// resultPayload collapses a single-iteration result to a bare object
// and leaves everything else (none yet, or more than one iteration) as
// an array, so a client polling a single-iteration sweep sees the same
// {"best_run", "params", "score"} shape the original service returns.
func resultPayload(results []wqdss.IterationResult) interface{} {
	switch len(results) {
	case 0:
		return nil
	case 1:
		return results[0]
	default:
		return results
	}
}

// BestRunHandler returns the zipped archive of the best-scoring run from
// an execution's most recent iteration. 400 if the execution has not yet
// completed.
func (s *Server) BestRunHandler(c echo.Context) error {
	exec, err := s.Execs.Get(c.Param("id"))
	if err != nil {
		return err
	}
	if exec.State() != wqdss.ExecCompleted {
		return echo.NewHTTPError(http.StatusBadRequest, "execution has not completed")
	}

	results := exec.Result()
	if len(results) == 0 || results[len(results)-1].Failed {
		return echo.NewHTTPError(http.StatusBadRequest, "execution has no successful best run")
	}
	bestID := results[len(results)-1].BestRunID

	for _, run := range exec.Runs() {
		if run.ID == bestID {
			return c.Blob(http.StatusOK, "application/zip", run.ResultBytes)
		}
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "best run not found among dispatched runs")
}

// executionSummary is one entry of GET /executions.
type executionSummary struct {
	ID     string          `json:"id"`
	Model  string          `json:"model_name"`
	Status wqdss.ExecState `json:"status"`
}

// ListExecutionsHandler lists every known execution and its status.
func (s *Server) ListExecutionsHandler(c echo.Context) error {
	execs := s.Execs.List()
	out := make([]executionSummary, len(execs))
	for i, e := range execs {
		out[i] = executionSummary{ID: e.ID, Model: e.ModelName, Status: e.State()}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"executions": out})
}

// ListModelsHandler lists every registered model name.
func (s *Server) ListModelsHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"models": s.Models.List()})
}

// uploadModelResponse is the body of a successful POST /models.
type uploadModelResponse struct {
	ModelName string `json:"model_name"`
}

// UploadModelHandler registers a new model from a multipart "model" file
// field, named by the "model_name" field or the uploaded file's name.
func (s *Server) UploadModelHandler(c echo.Context) error {
	fileHeader, err := c.FormFile("model")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "missing model file field")
	}

	name := c.FormValue("model_name")
	if name == "" {
		name = fileHeader.Filename
	}

	src, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not open uploaded model file")
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not read uploaded model file")
	}

	if err := s.Models.Add(name, data, modelstore.Reject); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, uploadModelResponse{ModelName: name})
}

// GetModelHandler returns a registered model's repackaged archive.
func (s *Server) GetModelHandler(c echo.Context) error {
	data, err := s.Models.Get(c.Param("name"))
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, "application/zip", data)
}
