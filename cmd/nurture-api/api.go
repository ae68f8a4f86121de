// Package main provides the nurture API server.
package main

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/flowcrm/nurture/pkg/analytics"
	"github.com/flowcrm/nurture/pkg/engine"
	"github.com/flowcrm/nurture/pkg/eventbus"
	"github.com/flowcrm/nurture/pkg/persistence"
	"github.com/flowcrm/nurture/pkg/services"
	"github.com/flowcrm/nurture/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	execution   *engine.Engine
	collector   *analytics.Collector
	eventBus    eventbus.EventBus
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persist persistence.Persistence,
	execution *engine.Engine,
	collector *analytics.Collector,
	eventBus eventbus.EventBus,
) *API {
	return &API{
		logger:      logger,
		persistence: persist,
		execution:   execution,
		collector:   collector,
		eventBus:    eventBus,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	workflowService := services.NewWorkflow(a.persistence)
	publishingService := services.NewPublishing(a.persistence)

	handlers := web.NewAPIHandlers(
		workflowService,
		publishingService,
		a.execution,
		a.persistence.InstanceRepository(),
		a.collector,
		a.validate,
	)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Nurture API")
	})

	handlers.RegisterRoutes(app)

	return app
}

func (a *API) Start(ctx context.Context, port int) error {
	if err := a.eventBus.Subscribe(ctx); err != nil {
		return err
	}

	return a.App().Listen(":" + strconv.Itoa(port))
}
