package http_test

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/cogflow/internal/audit"
	"github.com/fyrsmithlabs/cogflow/internal/engine"
	"github.com/fyrsmithlabs/cogflow/internal/escalation"
	"github.com/fyrsmithlabs/cogflow/internal/generator"
	httpserver "github.com/fyrsmithlabs/cogflow/internal/http"
	"github.com/fyrsmithlabs/cogflow/internal/logging"
	"github.com/fyrsmithlabs/cogflow/internal/memory"
	"github.com/fyrsmithlabs/cogflow/internal/pipeline"
	"github.com/fyrsmithlabs/cogflow/internal/services"
)

// ExampleServer demonstrates how to wire and start the HTTP server.
func ExampleServer() {
	reg := memory.NewRegistry()
	_ = reg.Register(memory.KindPrivateEphemeral, memory.NewInMemoryBackend())
	_ = reg.Register(memory.KindSharedSemantic, memory.NewInMemoryBackend())
	gateway := memory.NewGateway(reg)
	recorder := audit.NewRecorder(audit.NewMemoryStore())

	stages := engine.NewStages(&generator.Fake{}, gateway, nil)
	runner, err := engine.NewRunner(pipeline.NewDefaultRouter(), gateway, stages.Handlers(), engine.WithRecorder(recorder))
	if err != nil {
		panic(err)
	}
	manager := engine.NewManager(runner)

	svc := services.NewRegistry(services.Options{
		Tasks:       manager,
		Escalations: escalation.NewCoordinator(),
		Gateway:     gateway,
		Audit:       recorder,
	})

	server, err := httpserver.NewServer(svc, logging.NewNop(), &httpserver.Config{
		Host: "localhost",
		Port: 9191,
	})
	if err != nil {
		panic(err)
	}

	go func() {
		if err := server.Start(); err != nil {
			fmt.Printf("server stopped: %v\n", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
	_ = manager.Shutdown(ctx)
}
