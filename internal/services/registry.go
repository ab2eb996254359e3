package services

import (
	"github.com/fyrsmithlabs/cogflow/internal/action"
	"github.com/fyrsmithlabs/cogflow/internal/audit"
	"github.com/fyrsmithlabs/cogflow/internal/engine"
	"github.com/fyrsmithlabs/cogflow/internal/escalation"
	"github.com/fyrsmithlabs/cogflow/internal/generator"
	"github.com/fyrsmithlabs/cogflow/internal/memory"
)

// Registry provides access to all cogflow services.
// Use accessor methods to retrieve individual services.
type Registry interface {
	Tasks() *engine.Manager
	Escalations() *escalation.Coordinator
	Gateway() *memory.Gateway
	Audit() *audit.Recorder
	Actions() *action.Registry
	Generator() generator.Generator
}

// Options configures the registry with service instances.
type Options struct {
	Tasks       *engine.Manager
	Escalations *escalation.Coordinator
	Gateway     *memory.Gateway
	Audit       *audit.Recorder
	Actions     *action.Registry
	Generator   generator.Generator
}

// registry is the concrete implementation of Registry.
type registry struct {
	tasks       *engine.Manager
	escalations *escalation.Coordinator
	gateway     *memory.Gateway
	audit       *audit.Recorder
	actions     *action.Registry
	generator   generator.Generator
}

// NewRegistry creates a new service registry.
func NewRegistry(opts Options) Registry {
	return &registry{
		tasks:       opts.Tasks,
		escalations: opts.Escalations,
		gateway:     opts.Gateway,
		audit:       opts.Audit,
		actions:     opts.Actions,
		generator:   opts.Generator,
	}
}

func (r *registry) Tasks() *engine.Manager               { return r.tasks }
func (r *registry) Escalations() *escalation.Coordinator { return r.escalations }
func (r *registry) Gateway() *memory.Gateway             { return r.gateway }
func (r *registry) Audit() *audit.Recorder               { return r.audit }
func (r *registry) Actions() *action.Registry            { return r.actions }
func (r *registry) Generator() generator.Generator       { return r.generator }
