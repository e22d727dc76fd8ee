package ingests

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hbomb79/Crate/internal/archive"
	"github.com/hbomb79/Crate/internal/blob"
	"github.com/hbomb79/Crate/internal/classify"
	"github.com/hbomb79/Crate/internal/ingest"
	"github.com/hbomb79/Crate/pkg/logger"
	"github.com/labstack/echo/v4"
)

const (
	MIMEApplicationNDJSON = "application/x-ndjson"

	uploadPrefix = "uploads"
)

type (
	// CreateIngestRequest is the JSON form of a trigger. Location is either
	// an http(s) URL or the blob key of a previously uploaded archive;
	// Thumbnail and Preview are blob keys.
	CreateIngestRequest struct {
		Location  string     `json:"location" validate:"required"`
		Category  string     `json:"category" validate:"required,oneof=overlay sound lut"`
		Title     string     `json:"title"`
		Thumbnail string     `json:"thumbnail"`
		Preview   string     `json:"preview"`
		PackID    *uuid.UUID `json:"packId"`
	}

	// JobDto is the response used by endpoints that return
	// running ingestion jobs (e.g., list, get)
	JobDto struct {
		ID        uuid.UUID         `json:"id"`
		PackID    uuid.UUID         `json:"packId"`
		Title     string            `json:"title"`
		Location  string            `json:"location"`
		Category  classify.Category `json:"category"`
		State     ingest.JobState   `json:"state"`
		CreatedAt time.Time         `json:"createdAt"`
		Last      ingest.Frame      `json:"last"`
	}

	Service interface {
		Config() ingest.Config
		Register(*ingest.Job) error
		Execute(context.Context, *ingest.Job) (*ingest.ProcessingResult, error)
		Jobs() []*ingest.Job
		Job(uuid.UUID) (*ingest.Job, error)
	}

	// Controller defines the routes which trigger and observe ingestion
	// jobs. Multipart uploads are written to the blob store before the
	// job starts, so every job streams its archive from a Source.
	Controller struct {
		validate   *validator.Validate
		service    Service
		store      blob.Store
		httpClient *http.Client
	}
)

var log = logger.Get("IngestsController")

func New(validate *validator.Validate, service Service, store blob.Store) *Controller {
	return &Controller{validate: validate, service: service, store: store, httpClient: http.DefaultClient}
}

// SetRoutes accepts the Echo group for the ingest endpoints
// and sets the routes on them.
func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/", controller.list)
	eg.POST("/", controller.create)
	eg.GET("/:id/", controller.get)
}

// create triggers an ingestion and streams every frame of the job back to the
// client as newline delimited JSON. Errors detected before the job starts
// are returned as plain HTTP errors; once streaming has begun the outcome
// is only reported in the stream.
func (controller *Controller) create(ec echo.Context) error {
	var (
		request ingest.Request
		err     error
	)
	if strings.HasPrefix(ec.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		request, err = controller.bindMultipart(ec)
	} else {
		request, err = controller.bindJSON(ec)
	}
	if err != nil {
		return err
	}

	res := ec.Response()
	stream := ingest.NewStreamSink(res, res.Flush)
	job, err := ingest.NewJob(request, stream)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := controller.service.Register(job); err != nil {
		if errors.Is(err, ingest.ErrAlreadyRunning) {
			return echo.NewHTTPError(http.StatusConflict, fmt.Sprintf("Pack %s is already being ingested", job.PackID))
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	res.Header().Set(echo.HeaderContentType, MIMEApplicationNDJSON)
	res.Header().Set("X-Content-Type-Options", "nosniff")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	// A client disconnecting does not abandon an archive that has already
	// been received; the job still runs to completion or timeout.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ec.Request().Context()), controller.service.Config().JobTimeout())
	defer cancel()

	if _, err := controller.service.Execute(ctx, job); err != nil {
		log.Emit(logger.WARNING, "Streamed ingestion %s ended in failure: %v\n", job, err)
	}
	if err := stream.Err(); err != nil {
		log.Emit(logger.DEBUG, "Client of ingestion %s stopped reading: %v\n", job, err)
	}

	return nil
}

// list returns all the running jobs, oldest first.
func (controller *Controller) list(ec echo.Context) error {
	jobs := controller.service.Jobs()
	dtos := make([]*JobDto, len(jobs))
	for k, v := range jobs {
		dtos[k] = NewDto(v)
	}

	return ec.JSON(http.StatusOK, dtos)
}

func (controller *Controller) get(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Job ID is not a valid UUID")
	}

	job, err := controller.service.Job(id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound)
	}

	return ec.JSON(http.StatusOK, NewDto(job))
}

func (controller *Controller) bindJSON(ec echo.Context) (ingest.Request, error) {
	var body CreateIngestRequest
	if err := ec.Bind(&body); err != nil {
		return ingest.Request{}, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("JSON body illegal: %v", err))
	}
	if err := controller.validate.Struct(body); err != nil {
		return ingest.Request{}, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("JSON body invalid: %v", err))
	}

	for _, key := range []string{body.Thumbnail, body.Preview} {
		if key == "" {
			continue
		}
		if err := blob.ValidateKey(key); err != nil {
			return ingest.Request{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}

	var source archive.Source
	if strings.HasPrefix(body.Location, "http://") || strings.HasPrefix(body.Location, "https://") {
		source = archive.HTTPSource(body.Location, controller.httpClient)
	} else if err := blob.ValidateKey(body.Location); err != nil {
		return ingest.Request{}, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Location must be a URL or blob key: %v", err))
	} else {
		source = archive.BlobSource(controller.store, body.Location)
	}

	return ingest.Request{
		Source:    source,
		Category:  classify.Category(body.Category),
		Title:     body.Title,
		AttachTo:  body.PackID,
		Thumbnail: body.Thumbnail,
		Preview:   body.Preview,
	}, nil
}

func (controller *Controller) bindMultipart(ec echo.Context) (ingest.Request, error) {
	category, err := classify.ParseCategory(ec.FormValue("category"))
	if err != nil {
		return ingest.Request{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	var attachTo *uuid.UUID
	if raw := ec.FormValue("packId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return ingest.Request{}, echo.NewHTTPError(http.StatusBadRequest, "packId is not a valid UUID")
		}
		attachTo = &id
	}

	archiveHeader, err := ec.FormFile("archive")
	if err != nil {
		return ingest.Request{}, echo.NewHTTPError(http.StatusBadRequest, "Multipart body missing mandatory 'archive' file")
	}

	ctx := ec.Request().Context()
	archiveKey, err := controller.storeUpload(ctx, archiveHeader)
	if err != nil {
		return ingest.Request{}, err
	}

	request := ingest.Request{
		Source:   archive.BlobSource(controller.store, archiveKey),
		Category: category,
		Title:    ec.FormValue("title"),
		AttachTo: attachTo,
	}

	for field, dst := range map[string]*string{"thumbnail": &request.Thumbnail, "preview": &request.Preview} {
		header, err := ec.FormFile(field)
		if errors.Is(err, http.ErrMissingFile) {
			continue
		} else if err != nil {
			return ingest.Request{}, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Multipart '%s' file illegal: %v", field, err))
		}

		if *dst, err = controller.storeUpload(ctx, header); err != nil {
			return ingest.Request{}, err
		}
	}

	return request, nil
}

// storeUpload writes an uploaded file to the blob store under a key
// derived from its content, so re-uploading the same archive resolves to
// the same location (and therefore the same pack).
func (controller *Controller) storeUpload(ctx context.Context, header *multipart.FileHeader) (string, error) {
	f, err := header.Open()
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Failed to read upload %s: %v", header.Filename, err))
	}
	defer f.Close()

	contentType := header.Header.Get(echo.HeaderContentType)
	if ct := blob.ContentTypeForName(header.Filename); ct != "" {
		contentType = ct
	}

	key, err := blob.PutContentAddressed(ctx, controller.store, uploadPrefix, header.Filename, f, contentType)
	if errors.Is(err, blob.ErrInvalidKey) {
		return "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	} else if err != nil {
		log.Emit(logger.ERROR, "Failed to store upload %s: %v\n", header.Filename, err)
		return "", echo.NewHTTPError(http.StatusInternalServerError, "Failed to store upload")
	}

	log.Emit(logger.DEBUG, "Stored upload %s at %s\n", header.Filename, key)
	return key, nil
}

// NewDto creates a JobDto using the Job model.
func NewDto(job *ingest.Job) *JobDto {
	return &JobDto{
		ID:        job.ID,
		PackID:    job.PackID,
		Title:     job.Title(),
		Location:  job.Request.Source.Location(),
		Category:  job.Request.Category,
		State:     job.State(),
		CreatedAt: job.CreatedAt,
		Last:      job.LastFrame(),
	}
}
