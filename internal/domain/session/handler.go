package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/formengine/internal/domain/adapters"
	"github.com/ehr/formengine/internal/domain/encounter"
	"github.com/ehr/formengine/internal/domain/form"
	"github.com/ehr/formengine/internal/domain/logic"
	"github.com/ehr/formengine/internal/domain/repeat"
	"github.com/ehr/formengine/internal/platform/auth"
	"github.com/ehr/formengine/internal/platform/fhir"
	"github.com/ehr/formengine/internal/platform/recordstore"
	"github.com/ehr/formengine/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	role := auth.RequireRole("admin", "physician", "nurse")

	read := api.Group("", role)
	read.GET("/forms", h.ListForms)
	read.GET("/forms/:uuid", h.GetForm)
	read.GET("/form-sessions/:id", h.GetSession)
	read.GET("/form-sessions/:id/changeset", h.GetChangeSet)

	write := api.Group("", role)
	write.POST("/form-sessions", h.CreateSession)
	write.PUT("/form-sessions/:id/fields/:fieldId", h.ChangeField)
	write.POST("/form-sessions/:id/fields/:fieldId/repeat", h.AddRepeat)
	write.POST("/form-sessions/:id/submit", h.Submit)
	write.DELETE("/form-sessions/:id", h.CloseSession)

	admin := api.Group("", auth.RequireRole("admin"))
	admin.POST("/forms", h.SaveForm)
}

// -- Form schemas --

func (h *Handler) ListForms(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListForms(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path))
}

func (h *Handler) GetForm(c echo.Context) error {
	f, err := h.svc.GetForm(c.Request().Context(), c.Param("uuid"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, f)
}

func (h *Handler) SaveForm(c echo.Context) error {
	var f form.Form
	if err := c.Bind(&f); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	report, err := h.svc.SaveForm(c.Request().Context(), &f)
	if err != nil {
		if report != nil {
			return c.JSON(http.StatusUnprocessableEntity, lintOutcome(report))
		}
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"uuid": f.UUID, "lint": report})
}

// -- Form sessions --

func (h *Handler) CreateSession(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	st, err := h.svc.Create(c.Request().Context(), &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, st)
}

func (h *Handler) GetSession(c echo.Context) error {
	st, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

type changeRequest struct {
	Value json.RawMessage `json:"value"`
}

func (h *Handler) ChangeField(c echo.Context) error {
	var req changeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var value interface{}
	if len(req.Value) > 0 {
		if err := json.Unmarshal(req.Value, &value); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid value")
		}
	}
	res, err := h.svc.Change(c.Request().Context(), c.Param("id"), c.Param("fieldId"), value)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) AddRepeat(c echo.Context) error {
	res, err := h.svc.AddRepeat(c.Request().Context(), c.Param("id"), c.Param("fieldId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) GetChangeSet(c echo.Context) error {
	p, err := h.svc.ChangeSet(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Submit(c echo.Context) error {
	res, err := h.svc.Submit(c.Request().Context(), c.Param("id"))
	var verr *ValidationError
	var serr *recordstore.SubmissionError
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, res)
	case errors.As(err, &verr):
		return c.JSON(http.StatusUnprocessableEntity, validationOutcome(verr))
	case errors.As(err, &serr):
		return c.JSON(http.StatusBadGateway, map[string]interface{}{
			"title":      serr.Title,
			"subtitle":   serr.Subtitle,
			"statusCode": serr.StatusCode,
			"retryable":  serr.Retryable(),
		})
	}
	return httpError(err)
}

func (h *Handler) CloseSession(c echo.Context) error {
	if err := h.svc.Close(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- error mapping --

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrFormNotFound),
		errors.Is(err, encounter.ErrNotFound), errors.Is(err, form.ErrFieldNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrSessionExpired):
		return echo.NewHTTPError(http.StatusGone, err.Error())
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, adapters.ErrInvalidValue),
		errors.Is(err, repeat.ErrNotRepeating):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, logic.ErrReadOnly), errors.Is(err, repeat.ErrLimitReached):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func validationOutcome(verr *ValidationError) *fhir.OperationOutcome {
	b := fhir.NewOutcomeBuilder()
	for _, id := range verr.FieldIDs() {
		for _, r := range verr.Fields[id] {
			code := fhir.IssueTypeInvalid
			if r.ErrCode == logic.ErrCodeRequired {
				code = fhir.IssueTypeRequired
			}
			b.AddIssueWithLocation(fhir.IssueSeverityError, code, id+": "+r.Message, id)
		}
	}
	return b.Build()
}

func lintOutcome(report *LintReport) *fhir.OperationOutcome {
	b := fhir.NewOutcomeBuilder()
	for _, is := range report.Issues {
		loc := firstNonEmpty(is.Field, is.Container)
		b.AddIssueWithLocation(fhir.IssueSeverityError, fhir.IssueTypeInvalid,
			is.Property+": "+is.Message, loc)
	}
	return b.Build()
}
