package registry

import (
	"fmt"
	"sync"

	"github.com/anlsys/nrmd/internal/ddcm"
	"github.com/anlsys/nrmd/internal/nrmerr"
)

// Application is a downstream API user inside a container, per spec.md §3.
type Application struct {
	UUID            string
	ContainerUUID   string
	Progress        float64
	HardwareProgress bool
	PhaseContexts   map[int]*ddcm.PhaseContext // nil if the container has no active policy
}

// RegisterRequest is an application_start event's payload.
type RegisterRequest struct {
	UUID          string
	ContainerUUID string
}

// ApplicationManager exclusively owns Application records and holds a
// reference, by uuid only, to their containers. Grounded on
// original_source/nrm/applications.py's ApplicationManager, trimmed of the
// thread-FSM table spec.md §4.8 excludes from the control core.
type ApplicationManager struct {
	registry *Registry

	mu   sync.Mutex
	apps map[string]*Application
}

// NewApplicationManager wraps the Registry so phase contexts can be sized
// against a container's bound CPUs at registration time.
func NewApplicationManager(registry *Registry) *ApplicationManager {
	return &ApplicationManager{registry: registry, apps: make(map[string]*Application)}
}

// Register adds a new downstream application, per spec.md §4.6: the
// referenced container uuid must already exist, and phase contexts are only
// allocated (one per bound CPU, set=false) when the container has a policy
// manager; otherwise PhaseContexts stays nil.
func (a *ApplicationManager) Register(req RegisterRequest) (*Application, error) {
	c, ok := a.registry.Container(req.ContainerUUID)
	if !ok {
		return nil, nrmerr.New(nrmerr.UnknownContainer, "registry.ApplicationManager.Register", fmt.Errorf("%s", req.ContainerUUID))
	}

	var contexts map[int]*ddcm.PhaseContext
	if c.Power.Manager != nil {
		contexts = make(map[int]*ddcm.PhaseContext, len(c.Resources.CPUs))
		for _, cpu := range c.Resources.CPUs {
			contexts[cpu] = &ddcm.PhaseContext{Set: false}
		}
	}

	app := &Application{
		UUID:          req.UUID,
		ContainerUUID: req.ContainerUUID,
		PhaseContexts: contexts,
	}

	a.mu.Lock()
	a.apps[req.UUID] = app
	a.mu.Unlock()
	return app, nil
}

// Delete removes an application from the register.
func (a *ApplicationManager) Delete(uuid string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.apps, uuid)
}

// Get looks up an application by uuid.
func (a *ApplicationManager) Get(uuid string) (*Application, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	app, ok := a.apps[uuid]
	return app, ok
}

// DeleteByContainer removes every application registered against
// containerUUID, called on container destruction.
func (a *ApplicationManager) DeleteByContainer(containerUUID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for uuid, app := range a.apps {
		if app.ContainerUUID == containerUUID {
			delete(a.apps, uuid)
		}
	}
}
