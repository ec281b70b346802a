package plan

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/patients/:id/plans/generate", h.Generate)
	api.GET("/patients/:id/plans", h.ListForPatient)

	api.GET("/plans/:id", h.GetPlan)
	api.GET("/plans/:id/audit", h.ListAudit)
	api.POST("/plans/:id/submit-review", h.SubmitForReview)
	api.POST("/plans/:id/flags/:flagId/resolve", h.ResolveFlag)
	api.PUT("/plans/:id/sections/:key", h.EditSection)
	api.POST("/plans/:id/return-to-editor", h.ReturnToEditor)
	api.POST("/plans/:id/finalize", h.Finalize)
	api.POST("/plans/:id/export", h.Export)
	api.POST("/plans/:id/reopen", h.Reopen)
	api.POST("/plans/:id/archive", h.Archive)
}

// actor identifies the clinician driving the request. Authentication is the
// perimeter's concern; the engine records whatever identity it is handed.
func actor(c echo.Context) string {
	if a := c.Request().Header.Get("X-Actor"); a != "" {
		return a
	}
	return "unknown"
}

func httpError(err error) error {
	var (
		invalid *InvalidStateError
		precond *PreconditionError
		missing *NotFoundError
		genErr  *GenerationError
		expErr  *ExportError
	)
	switch {
	case errors.As(err, &invalid):
		return echo.NewHTTPError(http.StatusConflict, invalid.Error())
	case errors.As(err, &precond):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]interface{}{
			"error": precond.Error(),
			"unmet": precond.Unmet,
		})
	case errors.As(err, &missing):
		return echo.NewHTTPError(http.StatusNotFound, missing.Error())
	case errors.As(err, &genErr):
		return echo.NewHTTPError(http.StatusBadGateway, genErr.Error())
	case errors.As(err, &expErr):
		return echo.NewHTTPError(http.StatusBadGateway, expErr.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func pathID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func (h *Handler) Generate(c echo.Context) error {
	patientID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	v, err := h.svc.Generate(c.Request().Context(), patientID, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) GetPlan(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	v, err := h.svc.GetPlan(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) ListForPatient(c echo.Context) error {
	patientID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListPlansForPatient(c.Request().Context(), patientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListAudit(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListAudit(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) SubmitForReview(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	v, err := h.svc.SubmitForReview(c.Request().Context(), id, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) ResolveFlag(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	flagID, err := pathID(c, "flagId")
	if err != nil {
		return err
	}
	var body struct {
		Note string `json:"note"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.ResolveFlag(c.Request().Context(), id, flagID, body.Note, actor(c)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) EditSection(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	key := c.Param("key")
	var body struct {
		Body string `json:"body"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.EditSection(c.Request().Context(), id, key, body.Body, actor(c)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ReturnToEditor(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.ReturnToEditor(c.Request().Context(), id, actor(c)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Finalize(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var in FinalizeInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.svc.Finalize(c.Request().Context(), id, in, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) Export(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	res, err := h.svc.Export(c.Request().Context(), id, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Reopen(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.Reopen(c.Request().Context(), id, actor(c)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Archive(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.Archive(c.Request().Context(), id, actor(c)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
