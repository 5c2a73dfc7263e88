package router

import (
	"bufio"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/theapemachine/awt-go/pkg/graph"
)

/*
Service exposes the command router over HTTP and streams graph events to
subscribers. It is the process-boundary stand-in for the extension
message port.
*/
type Service struct {
	app    *fiber.App
	router *Router
	broker *Broker
}

/*
NewService constructs the HTTP service around a router. Wiring the graph
forwards its mutation events onto the /events stream.
*/
func NewService(r *Router, g *graph.Graph) *Service {
	service := &Service{
		app: fiber.New(fiber.Config{
			AppName:      "awt-core",
			ServerHeader: "awt-core",
		}),
		router: r,
		broker: NewBroker(),
	}

	if g != nil {
		g.Subscribe(func(event graph.Event) {
			_ = service.broker.Publish(event.Kind, event)
		})
	}

	return service
}

// Broker exposes the event broker so other components (the webhook
// dispatcher, the runner) can publish onto the same stream.
func (service *Service) Broker() *Broker {
	return service.broker
}

/*
Start mounts the routes and blocks serving on addr.
*/
func (service *Service) Start(addr string) error {
	service.app.Use(logger.New(logger.Config{
		// Skip logging for the /events endpoint to reduce noise.
		Next: func(c fiber.Ctx) bool {
			return c.Path() == "/events"
		},
	}), healthcheck.New())

	service.app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("OK")
	})

	service.app.Post("/command", service.handleCommand)
	service.app.Get("/events", service.handleEvents)

	return service.app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
}

// Shutdown stops the HTTP server and closes the event stream.
func (service *Service) Shutdown() error {
	service.broker.Close()
	return service.app.Shutdown()
}

func (service *Service) handleCommand(c fiber.Ctx) error {
	response := service.router.Dispatch(c, c.Body())
	return c.JSON(response)
}

func (service *Service) handleEvents(c fiber.Ctx) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	events, unsubscribe := service.broker.Subscribe()

	return c.SendStreamWriter(func(w *bufio.Writer) {
		defer unsubscribe()

		for msg := range events {
			if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	})
}
