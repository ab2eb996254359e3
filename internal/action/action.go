// Package action runs side-effecting capabilities on behalf of the execute
// stage. Capabilities are registered by kind at startup and dispatched
// through a Registry.
package action

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrUnknownCapability   = errors.New("unknown capability")
	ErrDuplicateCapability = errors.New("capability already registered")
	ErrInvalidRequest      = errors.New("invalid action request")
	ErrHostNotAllowed      = errors.New("host not allowed")
)

// Request asks a capability to do one thing.
type Request struct {
	Kind      string            `json:"kind"`
	Operation string            `json:"operation,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
}

// Param returns a parameter or "".
func (r Request) Param(key string) string {
	return r.Params[key]
}

// Result is the outcome of Execute.
type Result struct {
	Success  bool           `json:"success"`
	Output   string         `json:"output"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration"`
	Data     map[string]any `json:"data,omitempty"`
}

// Failed returns an unsuccessful result for err.
func Failed(err error) Result {
	return Result{Error: err.Error()}
}

// Capability is one kind of action.
type Capability interface {
	Kind() string
	CanHandle(req Request) bool
	ValidateRequest(req Request) error
	// Execute reports failures in the Result; it does not return errors.
	Execute(ctx context.Context, req Request) Result
}

// Registry maps kinds to capabilities.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewRegistry returns a registry holding caps.
func NewRegistry(caps ...Capability) (*Registry, error) {
	r := &Registry{caps: make(map[string]Capability)}
	for _, c := range caps {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds c under c.Kind().
func (r *Registry) Register(c Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.caps[c.Kind()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCapability, c.Kind())
	}
	r.caps[c.Kind()] = c
	return nil
}

// Get returns the capability of kind.
func (r *Registry) Get(kind string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[kind]
	return c, ok
}

// Kinds returns registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.caps))
	for k := range r.caps {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Dispatch validates req and executes it on the capability of its kind.
func (r *Registry) Dispatch(ctx context.Context, req Request) Result {
	start := time.Now()
	c, ok := r.Get(req.Kind)
	if !ok {
		return Failed(fmt.Errorf("%w: %s", ErrUnknownCapability, req.Kind))
	}
	if !c.CanHandle(req) {
		return Failed(fmt.Errorf("%w: %s cannot handle operation %q", ErrInvalidRequest, req.Kind, req.Operation))
	}
	if err := c.ValidateRequest(req); err != nil {
		return Failed(err)
	}
	res := c.Execute(ctx, req)
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	return res
}

// ActionPrefix starts a plan line that requests an action:
//
//	ACTION http_request {"url": "https://example.com"}
//	ACTION html_extract.links {"url": "https://example.com"}
const ActionPrefix = "ACTION "

// ParseRequests extracts action lines from plan text. Malformed lines are
// returned as errors joined together; well-formed lines are still parsed.
func ParseRequests(plan string) ([]Request, error) {
	var (
		out  []Request
		errs []error
	)
	sc := bufio.NewScanner(strings.NewReader(plan))
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		rest, ok := strings.CutPrefix(text, ActionPrefix)
		if !ok {
			continue
		}
		head, params, _ := strings.Cut(strings.TrimSpace(rest), " ")
		kind, op, _ := strings.Cut(head, ".")
		req := Request{Kind: kind, Operation: op}
		if p := strings.TrimSpace(params); p != "" {
			if err := json.Unmarshal([]byte(p), &req.Params); err != nil {
				errs = append(errs, fmt.Errorf("%w: line %d: %v", ErrInvalidRequest, line, err))
				continue
			}
		}
		out = append(out, req)
	}
	return out, errors.Join(errs...)
}
