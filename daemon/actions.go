package daemon

import (
	"context"
	"encoding/json"

	"harness/harnesserr"
	"harness/orchestrator"
	"harness/registry"
)

// ActionHandler executes one request action and returns the data to place
// on a successful Response, or an error to place on a failing one.
type ActionHandler func(ctx context.Context, sess *Session, params json.RawMessage) (any, error)

// Actions is the dispatch table the daemon server consults for every
// incoming Request (spec §6's action list).
type Actions struct {
	Orchestrator *orchestrator.Orchestrator
	Registry     *registry.Registry
	Deployer     *PackageDeployer

	table map[string]ActionHandler
}

// NewActions builds the dispatch table bound to the given collaborators.
func NewActions(o *orchestrator.Orchestrator, r *registry.Registry, d *PackageDeployer) *Actions {
	a := &Actions{Orchestrator: o, Registry: r, Deployer: d}
	a.table = map[string]ActionHandler{
		"list_services":   a.listServices,
		"get_service":     a.getService,
		"start_service":   a.startService,
		"stop_service":    a.stopService,
		"restart_service": a.restartService,
		"status":          a.status,
		"subscribe":       a.subscribe,
		"unsubscribe":     a.unsubscribe,
		"deploy_package":  a.deployPackage,
	}
	return a
}

// Dispatch runs req's action and returns the Response to send. Unknown
// actions surface as UnknownAction, and a malformed params payload as
// Malformed — both per spec §7's protocol error kinds.
func (a *Actions) Dispatch(ctx context.Context, sess *Session, req Request) Response {
	handler, ok := a.table[req.Action]
	if !ok {
		return NewErrorResponse(req.ID, harnesserr.New(harnesserr.UnknownAction, "daemon: unknown action %q", req.Action))
	}
	data, err := handler(ctx, sess, req.Params)
	if err != nil {
		return NewErrorResponse(req.ID, err)
	}
	return NewResponse(req.ID, data)
}

type nameParams struct {
	Name string `json:"name"`
}

type serviceOpParams struct {
	Name string         `json:"name"`
	Opts map[string]any `json:"opts,omitempty"`
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return harnesserr.Wrap(harnesserr.Malformed, err, "daemon: decode params")
	}
	return nil
}

func (a *Actions) listServices(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	return a.Registry.List(), nil
}

func (a *Actions) getService(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	var p nameParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return a.Registry.Get(p.Name)
}

func (a *Actions) startService(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	var p serviceOpParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, harnesserr.New(harnesserr.InvalidConfig, "daemon: start_service requires name")
	}
	if err := a.Orchestrator.Start(ctx, p.Name); err != nil {
		return nil, err
	}
	return map[string]string{"name": p.Name, "result": "started"}, nil
}

func (a *Actions) stopService(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	var p serviceOpParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, harnesserr.New(harnesserr.InvalidConfig, "daemon: stop_service requires name")
	}
	if err := a.Orchestrator.Stop(ctx, p.Name); err != nil {
		return nil, err
	}
	return map[string]string{"name": p.Name, "result": "stopped"}, nil
}

func (a *Actions) restartService(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	var p nameParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, harnesserr.New(harnesserr.InvalidConfig, "daemon: restart_service requires name")
	}
	if err := a.Orchestrator.Stop(ctx, p.Name); err != nil && !harnesserr.Is(err, harnesserr.NotRunning) {
		return nil, err
	}
	if err := a.Orchestrator.Start(ctx, p.Name); err != nil {
		return nil, err
	}
	return map[string]string{"name": p.Name, "result": "restarted"}, nil
}

func (a *Actions) status(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	var p nameParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Name != "" {
		return a.Registry.Get(p.Name)
	}
	return a.Registry.List(), nil
}

type subscribeParams struct {
	ID    string   `json:"id"`
	Kinds []string `json:"kinds"`
}

func (a *Actions) subscribe(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	var p subscribeParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, harnesserr.New(harnesserr.InvalidConfig, "daemon: subscribe requires id")
	}

	wanted := make(map[registry.EventKind]bool, len(p.Kinds))
	for _, k := range p.Kinds {
		wanted[registry.EventKind(k)] = true
	}
	var filter registry.Filter
	if len(wanted) > 0 {
		filter = func(e registry.Event) bool { return wanted[e.Kind] }
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sess.Subscribe(p.ID, cancel)
	go relayRegistryEvents(subCtx, sess, a.Registry, filter)

	return map[string]string{"id": p.ID, "result": "subscribed"}, nil
}

func (a *Actions) unsubscribe(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	var p subscribeParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if !sess.Unsubscribe(p.ID) {
		return nil, harnesserr.New(harnesserr.UnknownAction, "daemon: no subscription %q", p.ID)
	}
	return map[string]string{"id": p.ID, "result": "unsubscribed"}, nil
}

type deployParams struct {
	Target  RemoteTarget      `json:"target"`
	Package Package           `json:"package"`
	Env     map[string]string `json:"env,omitempty"`
}

func (a *Actions) deployPackage(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	var p deployParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if a.Deployer == nil {
		return nil, harnesserr.New(harnesserr.InvalidConfig, "daemon: no deployer configured")
	}
	if err := a.Deployer.Deploy(ctx, p.Target, p.Package, p.Env); err != nil {
		return nil, err
	}
	return map[string]string{"name": p.Package.Manifest.Name, "result": "deployed"}, nil
}
