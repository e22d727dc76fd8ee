package api

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/hbomb79/Crate/internal/api/auth"
	inboxapi "github.com/hbomb79/Crate/internal/api/inbox"
	"github.com/hbomb79/Crate/internal/api/ingests"
	"github.com/hbomb79/Crate/internal/blob"
	"github.com/hbomb79/Crate/internal/event"
	"github.com/hbomb79/Crate/internal/http/websocket"
	"github.com/hbomb79/Crate/pkg/logger"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

var log = logger.Get("API")

const apiPrefix = "/api/crate/v1"

type (
	RestConfig struct {
		HostAddr   string `yaml:"host_address" env:"API_HOST_ADDR" env-default:"0.0.0.0:8080"`
		AuthSecret string `yaml:"auth_secret" env:"API_AUTH_SECRET"`
	}

	controller interface {
		SetRoutes(*echo.Group)
	}

	// InboxService is optional; when nil the inbox routes are not served.
	InboxService interface {
		inboxapi.Service
		inboxStore
	}

	// The RestGateway is a thin-wrapper around the Echo HTTP router. It's sole responsbility
	// is to create the routes Crate exposes, manage ongoing web socket connections and events,
	// and to enforce bearer authentication on every route.
	RestGateway struct {
		*broadcaster
		config           *RestConfig
		ec               *echo.Echo
		socket           *websocket.SocketHub
		ingestController controller
		inboxController  controller
	}
)

// NewRestGateway constructs the Echo router and populates it with all the
// routes defined by the various controllers. The broadcaster is subscribed
// to the event bus so job and inbox activity reaches socket clients.
func NewRestGateway(
	config *RestConfig,
	ingestService ingests.Service,
	inboxService InboxService,
	store blob.Store,
	eventBus event.EventHandler,
) (*RestGateway, error) {
	authProvider, err := auth.New(config.AuthSecret)
	if err != nil {
		return nil, err
	}

	ec := echo.New()
	ec.OnAddRouteHandler = func(host string, route echo.Route, handler echo.HandlerFunc, middleware []echo.MiddlewareFunc) {
		log.Emit(logger.DEBUG, "Registered new route %s %s\n", route.Method, route.Path)
	}
	ec.HidePort = true
	ec.HideBanner = true

	socket := websocket.New()
	var inboxes inboxStore
	if inboxService != nil {
		inboxes = inboxService
	}

	gateway := &RestGateway{
		broadcaster:      newBroadcaster(socket, ingestService, inboxes),
		config:           config,
		ec:               ec,
		socket:           socket,
		ingestController: ingests.New(validator.New(), ingestService, store),
	}
	if inboxService != nil {
		gateway.inboxController = inboxapi.New(inboxService)
	}

	socket.WithConnectionCallback(gateway.connectionSnapshot)
	if eventBus != nil {
		gateway.broadcaster.RegisterHandlers(eventBus)
	}

	ec.Use(middleware.Logger())
	ec.Use(middleware.Recover())
	ec.Pre(middleware.AddTrailingSlash())

	ec.GET(apiPrefix+"/activity/ws/", func(ec echo.Context) error {
		gateway.socket.UpgradeToSocket(ec.Response(), ec.Request())
		return nil
	}, authProvider.Middleware)

	ingests := ec.Group(apiPrefix+"/ingests", authProvider.Middleware)
	gateway.ingestController.SetRoutes(ingests)

	if gateway.inboxController != nil {
		inbox := ec.Group(apiPrefix+"/inbox", authProvider.Middleware)
		gateway.inboxController.SetRoutes(inbox)
	}

	return gateway, nil
}

// ServeHTTP routes a single request through the gateway without starting
// the listener.
func (gateway *RestGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gateway.ec.ServeHTTP(w, r)
}

func (gateway *RestGateway) Run(parentCtx context.Context) error {
	ctx, ctxCancel := context.WithCancelCause(parentCtx)
	wg := &sync.WaitGroup{}

	// Start echo router
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gateway.ec.Start(gateway.config.HostAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ctxCancel(err)
		}
	}()

	// Start thread to listen for context cancellation
	go func(ec *echo.Echo) {
		<-ctx.Done()
		ec.Close()
	}(gateway.ec)

	// Start websocket
	wg.Add(1)
	go func() {
		defer wg.Done()
		gateway.socket.Start(ctx)
	}()

	wg.Wait()

	// Return cancellation cause if any, otherwise nil as parent context
	// cancellation is not an error case we should report.
	if cause := context.Cause(ctx); cause != ctx.Err() {
		return cause
	}

	return nil
}
