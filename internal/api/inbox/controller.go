package inbox

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/hbomb79/Crate/internal/inbox"
	"github.com/labstack/echo/v4"
)

type (
	ResolveTroubleRequest struct {
		Method string `json:"method"`
	}

	Service interface {
		GetAllItems() []*inbox.Item
		GetItem(uuid.UUID) *inbox.Item
		RemoveItem(uuid.UUID) error
		DiscoverNewFiles()
		ResolveTrouble(itemID uuid.UUID, method inbox.ResolutionType) error
	}

	// Controller is the struct which is responsible for defining the
	// routes for this controller. Additionally, it holds the reference to
	// the inbox service used to retrieve and resolve inbox items.
	Controller struct {
		service Service
	}
)

func New(serv Service) *Controller {
	return &Controller{service: serv}
}

// SetRoutes accepts the Echo group for the inbox endpoints
// and sets the routes on them.
func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/", controller.list)
	eg.POST("/poll/", controller.performPoll)
	eg.GET("/:id/", controller.get)
	eg.DELETE("/:id/", controller.delete)
	eg.POST("/:id/trouble-resolution/", controller.postTroubleResolution)
}

// list returns all the items the inbox is tracking.
func (controller *Controller) list(ec echo.Context) error {
	return ec.JSON(http.StatusOK, controller.service.GetAllItems())
}

// get uses the 'id' path param from the context and retrieves the item from the
// inbox service. If found, the item is returned.
func (controller *Controller) get(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Inbox item ID is not a valid UUID")
	}

	item := controller.service.GetItem(id)
	if item == nil {
		return echo.NewHTTPError(http.StatusNotFound)
	}

	return ec.JSON(http.StatusOK, item)
}

// delete stops the inbox tracking the item. The archive itself is left on disk.
func (controller *Controller) delete(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Inbox item ID is not a valid UUID")
	}

	if err := controller.service.RemoveItem(id); err != nil {
		return toHTTPError(err)
	}

	return ec.NoContent(http.StatusOK)
}

// postTroubleResolution uses the 'id' path param from the context and attempts to
// resolve the trouble of the matching item using the method in the request body.
func (controller *Controller) postTroubleResolution(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Inbox item ID is not a valid UUID")
	}

	var request ResolveTroubleRequest
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("JSON body illegal: %v", err))
	} else if request.Method == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "JSON body missing mandatory 'method' field")
	}

	method, err := inbox.ParseResolutionType(request.Method)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid enum value: %s for resolution method", request.Method))
	}

	if err := controller.service.ResolveTrouble(id, method); err != nil {
		return toHTTPError(err)
	}

	return ec.NoContent(http.StatusOK)
}

func (controller *Controller) performPoll(ec echo.Context) error {
	controller.service.DiscoverNewFiles()

	return ec.NoContent(http.StatusOK)
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, inbox.ErrItemNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, inbox.ErrItemBusy):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
}
