package assignment

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/roster/internal/platform/blobstore"
	"github.com/ehr/roster/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/batches", h.Upload)
	api.GET("/batches", h.ListBatches)
	api.GET("/batches/:id", h.GetBatch)
	api.POST("/batches/:id/import", h.RetryImport)
	api.POST("/batches/:id/process", h.Process)
}

// httpError maps domain errors onto HTTP status codes.
func httpError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, ErrBatchNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "batch not found")
	case errors.Is(err, ErrBatchExists),
		errors.Is(err, ErrBatchNotResolved),
		errors.Is(err, ErrBatchNotImported),
		errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, blobstore.ErrFileTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, blobstore.ErrInvalidContentType):
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, ErrInvalidUpload), errors.Is(err, blobstore.ErrMissingFileName):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error()).SetInternal(err)
	}
}

type uploadResponse struct {
	Batch *Batch `json:"batch"`
	JobID string `json:"job_id"`
}

// Upload accepts a multipart form with file, facility_id, service_date
// (YYYY-MM-DD) and an optional batch_id.
func (h *Handler) Upload(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	facilityID, err := strconv.ParseInt(c.FormValue("facility_id"), 10, 64)
	if err != nil || facilityID <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "facility_id must be a positive integer")
	}
	serviceDate, err := time.Parse("2006-01-02", c.FormValue("service_date"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "service_date must be YYYY-MM-DD")
	}
	var batchID uuid.UUID
	if v := c.FormValue("batch_id"); v != "" {
		if batchID, err = uuid.Parse(v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid batch_id")
		}
	}

	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot read file")
	}
	defer f.Close()

	b, err := h.svc.UploadAndImport(c.Request().Context(), UploadRequest{
		BatchID:     batchID,
		FacilityID:  facilityID,
		ServiceDate: serviceDate,
		FileName:    fh.Filename,
		ContentType: fh.Header.Get(echo.HeaderContentType),
		CreatedBy:   c.FormValue("uploaded_by"),
		Content:     f,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, uploadResponse{Batch: b, JobID: b.ID.String()})
}

func (h *Handler) ListBatches(c echo.Context) error {
	pg := pagination.FromContext(c)
	batches, total, err := h.svc.ListBatches(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if batches == nil {
		batches = []*Batch{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(batches, total, pg).WithLinks(c.Request().URL.Path))
}

func (h *Handler) GetBatch(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	pg := pagination.FromContext(c)
	view, err := h.svc.GetBatch(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

// RetryImport queues the import and resolution of a pending batch again.
func (h *Handler) RetryImport(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.RetryImport(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"batch_id": id.String(), "status": "queued"})
}

// Process commits the batch and returns the counts. With async=true the
// run is queued on the worker instead and 202 is returned.
func (h *Handler) Process(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()

	if async, _ := strconv.ParseBool(c.QueryParam("async")); async {
		if err := h.svc.ScheduleProcessing(ctx, id); err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusAccepted, map[string]string{"batch_id": id.String(), "status": "queued"})
	}

	out, err := h.svc.TriggerProcessing(ctx, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}
