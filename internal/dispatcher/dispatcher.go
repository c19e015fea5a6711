// Package dispatcher implements the Proxy Dispatcher from spec.md
// section 4.8: the per-request entry point that routes, runs plugin
// chains, translates between protocol revisions, and forwards to
// backends.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mcp-multiplex/muxproxy/internal/config"
	"github.com/mcp-multiplex/muxproxy/internal/errs"
	"github.com/mcp-multiplex/muxproxy/internal/plugin"
	"github.com/mcp-multiplex/muxproxy/internal/protocol"
	"github.com/mcp-multiplex/muxproxy/internal/protocol/adapter"
	"github.com/mcp-multiplex/muxproxy/internal/router"
	"github.com/mcp-multiplex/muxproxy/internal/upstream"
)

var listMethods = map[string]router.Kind{
	"tools/list":     router.Tools,
	"resources/list": router.Resources,
	"prompts/list":   router.Prompts,
}

var callMethods = map[string]router.Kind{
	"tools/call":     router.Tools,
	"resources/read": router.Resources,
	"prompts/get":    router.Prompts,
}

// Dispatcher wires together the router, backend supervisor, and plugin
// executor into the single per-request pipeline described in spec.md
// section 4.8.
type Dispatcher struct {
	supervisor     *upstream.Supervisor
	registry       *router.Registry
	executor       *plugin.Executor
	chains         map[string]*config.PluginChainConfig
	logger         *zap.Logger
	requestTimeout time.Duration
}

// New returns a Dispatcher. chains maps backend name to its plugin
// chain configuration; a missing entry means no plugins run for that
// backend.
func New(sup *upstream.Supervisor, reg *router.Registry, exec *plugin.Executor, chains map[string]*config.PluginChainConfig, logger *zap.Logger, requestTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		supervisor:     sup,
		registry:       reg,
		executor:       exec,
		chains:         chains,
		logger:         logger,
		requestTimeout: requestTimeout,
	}
}

// Handle runs the full pipeline in spec.md section 4.8 for one inbound
// client envelope and returns the envelope to send back, always
// well-formed and carrying the original id.
func (d *Dispatcher) Handle(ctx context.Context, clientRev protocol.Revision, env *protocol.Envelope) *protocol.Envelope {
	switch {
	case env.Method == "initialize":
		return d.handleInitialize(env)
	case env.Method == "ping":
		return &protocol.Envelope{Protocol: "2.0", ID: env.ID, Result: json.RawMessage(`{}`)}
	case env.Method == "resources/templates/list":
		return d.handleResourceTemplatesList(ctx, clientRev, env)
	}

	if _, ok := listMethods[env.Method]; ok {
		return d.handleList(ctx, clientRev, env)
	}
	if _, ok := callMethods[env.Method]; ok {
		return d.handleCall(ctx, clientRev, env)
	}
	return errorEnvelope(env.ID, -32601, fmt.Sprintf("unsupported method %q", env.Method))
}

// NegotiateRevision parses the protocolVersion a client names in its
// initialize request and returns the revision the dispatcher should use
// for every subsequent translate_* call on this connection: the client's
// requested revision when it is one the proxy recognizes, else the
// proxy's latest (spec.md section 4.1, "unrecognized strings return a
// fixed default ... callers MAY still proceed, treating traffic as
// pass-through" — here that means negotiating up to the revision the
// proxy itself speaks).
func NegotiateRevision(params json.RawMessage) protocol.Revision {
	var body struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(params, &body); err != nil {
		return protocol.Latest()
	}
	rev, supported := protocol.Parse(body.ProtocolVersion)
	if !supported {
		return protocol.Latest()
	}
	return rev
}

func (d *Dispatcher) handleInitialize(env *protocol.Envelope) *protocol.Envelope {
	negotiated := NegotiateRevision(env.Params)
	result, _ := json.Marshal(map[string]any{
		"protocolVersion": negotiated,
		"serverInfo":      map[string]any{"name": "muxproxy", "version": "0.1.0"},
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": false},
			"resources": map[string]any{"subscribe": false, "listChanged": false},
			"prompts":   map[string]any{"listChanged": false},
		},
	})
	return &protocol.Envelope{Protocol: "2.0", ID: env.ID, Result: result}
}

// handleList broadcasts env to every Ready backend, translates each
// response toward clientRev, rewrites public names, and concatenates the
// per-kind list field (spec.md section 4.8, step 1).
func (d *Dispatcher) handleList(ctx context.Context, clientRev protocol.Revision, env *protocol.Envelope) *protocol.Envelope {
	kind, ok := listMethods[env.Method]
	if !ok {
		return errorEnvelope(env.ID, -32601, fmt.Sprintf("unsupported method %q", env.Method))
	}

	backends := d.supervisor.Backends()
	type partial struct {
		backend string
		items   []json.RawMessage
	}
	results := make([]partial, len(backends))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range backends {
		i, name := i, name
		g.Go(func() error {
			conn, ok := d.supervisor.Connection(name)
			if !ok {
				return nil
			}
			req := &protocol.Envelope{Protocol: "2.0", ID: mustID(name + env.Method), Method: env.Method, Params: env.Params}
			translated, err := adapter.Factory(clientRev, conn.Revision()).TranslateRequest(env.Method, req)
			if err != nil {
				d.logger.Warn("translate request failed during list fan-out", zap.String("backend", name), zap.Error(err))
				return nil
			}
			resp, err := d.supervisor.Send(gctx, name, translated)
			if err != nil {
				d.logger.Debug("backend unavailable during list fan-out", zap.String("backend", name), zap.Error(err))
				return nil
			}
			back, err := adapter.Factory(conn.Revision(), clientRev).TranslateResponse(env.Method, resp)
			if err != nil || back.Error != nil {
				return nil
			}
			items := extractListItems(kind, back.Result)
			rewritten := rewriteNames(d.registry, kind, name, items)
			results[i] = partial{backend: name, items: rewritten}
			return nil
		})
	}
	_ = g.Wait()

	var all []json.RawMessage
	for _, p := range results {
		all = append(all, p.items...)
	}
	if all == nil {
		all = []json.RawMessage{}
	}

	fieldName := listFieldName(kind)
	result, _ := json.Marshal(map[string]json.RawMessage{fieldName: mustMarshalArray(all)})
	return &protocol.Envelope{Protocol: "2.0", ID: env.ID, Result: result}
}

// handleResourceTemplatesList broadcasts resources/templates/list to every
// Ready backend and concatenates each "resourceTemplates" array unchanged.
// Templates carry a uriTemplate pattern rather than a concrete resource
// URI, so unlike tools/resources/prompts they are not namespace entries
// (spec.md section 3 describes only tools, resources, and prompts
// indexes) and nothing here is rewritten or registered.
func (d *Dispatcher) handleResourceTemplatesList(ctx context.Context, clientRev protocol.Revision, env *protocol.Envelope) *protocol.Envelope {
	const field = "resourceTemplates"
	backends := d.supervisor.Backends()
	results := make([][]json.RawMessage, len(backends))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range backends {
		i, name := i, name
		g.Go(func() error {
			conn, ok := d.supervisor.Connection(name)
			if !ok {
				return nil
			}
			req := &protocol.Envelope{Protocol: "2.0", ID: mustID(name + env.Method), Method: env.Method, Params: env.Params}
			translated, err := adapter.Factory(clientRev, conn.Revision()).TranslateRequest(env.Method, req)
			if err != nil {
				d.logger.Warn("translate request failed during resource-templates fan-out", zap.String("backend", name), zap.Error(err))
				return nil
			}
			resp, err := d.supervisor.Send(gctx, name, translated)
			if err != nil {
				d.logger.Debug("backend unavailable during resource-templates fan-out", zap.String("backend", name), zap.Error(err))
				return nil
			}
			back, err := adapter.Factory(conn.Revision(), clientRev).TranslateResponse(env.Method, resp)
			if err != nil || back.Error != nil {
				return nil
			}
			var decoded map[string][]json.RawMessage
			if err := json.Unmarshal(back.Result, &decoded); err != nil {
				return nil
			}
			results[i] = decoded[field]
			return nil
		})
	}
	_ = g.Wait()

	var all []json.RawMessage
	for _, items := range results {
		all = append(all, items...)
	}
	if all == nil {
		all = []json.RawMessage{}
	}

	result, _ := json.Marshal(map[string]json.RawMessage{field: mustMarshalArray(all)})
	return &protocol.Envelope{Protocol: "2.0", ID: env.ID, Result: result}
}

// handleCall resolves the public name, runs the request-phase chain,
// translates, forwards, translates back, and runs the response-phase
// chain (spec.md section 4.8, steps 1-7).
func (d *Dispatcher) handleCall(ctx context.Context, clientRev protocol.Revision, env *protocol.Envelope) *protocol.Envelope {
	kind, ok := callMethods[env.Method]
	if !ok {
		return errorEnvelope(env.ID, -32601, fmt.Sprintf("unsupported method %q", env.Method))
	}

	publicName, err := extractPublicName(env.Method, env.Params)
	if err != nil {
		return errorEnvelope(env.ID, -32601, err.Error())
	}

	// Resources are registered under their own URI, not the
	// mcp__proxy__<backend>__<original> prefix form, so the parse step
	// in spec.md section 4.5 ("parses the prefixed name, splits into
	// (proxy_marker, segment, backend, original)") applies to tools and
	// prompts only; it still gates out malformed public names before
	// consulting the registry.
	if kind != router.Resources {
		if _, _, ok := router.ParsePublicName(publicName); !ok {
			return errorEnvelope(env.ID, -32601, fmt.Sprintf("malformed public name %q", publicName))
		}
	}

	entry, ok := d.registry.Lookup(kind, publicName)
	if !ok {
		return errorEnvelope(env.ID, -32601, fmt.Sprintf("no backend owns %q", publicName))
	}

	conn, ok := d.supervisor.Connection(entry.BackendName)
	if !ok {
		return errorEnvelope(env.ID, -32000, fmt.Sprintf("backend %s is not available", entry.BackendName))
	}

	rewrittenParams, err := rewriteParamsOriginalName(env.Params, entry.OriginalName)
	if err != nil {
		return errorEnvelope(env.ID, -32603, err.Error())
	}

	chain := d.chains[entry.BackendName]
	requestID := string(env.ID)
	now := time.Now()

	payload := string(rewrittenParams)
	if d.executor != nil && chain != nil {
		res := d.executor.Run(ctx, chain.Request, plugin.Input{
			ToolName:   entry.OriginalName,
			RawContent: payload,
			Metadata: plugin.Metadata{
				RequestID:  requestID,
				Timestamp:  now,
				ServerName: entry.BackendName,
				Phase:      string(config.PhaseRequest),
			},
		})
		if !res.Continue {
			return errorEnvelope(env.ID, -32000, res.Error)
		}
		payload = res.Text
	}

	req := &protocol.Envelope{Protocol: "2.0", ID: env.ID, Method: env.Method, Params: json.RawMessage(payload)}

	translatedReq, err := adapter.Factory(clientRev, conn.Revision()).TranslateRequest(env.Method, req)
	if err != nil {
		return errorEnvelope(env.ID, -32603, err.Error())
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.requestTimeout)
	defer cancel()
	resp, err := d.supervisor.Send(sendCtx, entry.BackendName, translatedReq)
	if err != nil {
		if errs.Is(err, errs.RequestTimeout) {
			return errorEnvelope(env.ID, -32001, err.Error())
		}
		return errorEnvelope(env.ID, -32000, err.Error())
	}

	translatedResp, err := adapter.Factory(conn.Revision(), clientRev).TranslateResponse(env.Method, resp)
	if err != nil {
		return errorEnvelope(env.ID, -32603, err.Error())
	}
	if translatedResp.Error != nil {
		return translatedResp
	}

	resultPayload := string(translatedResp.Result)
	if d.executor != nil && chain != nil {
		res := d.executor.Run(ctx, chain.Response, plugin.Input{
			ToolName:   entry.OriginalName,
			RawContent: resultPayload,
			Metadata: plugin.Metadata{
				RequestID:  requestID,
				Timestamp:  now,
				ServerName: entry.BackendName,
				Phase:      string(config.PhaseResponse),
			},
		})
		if !res.Continue {
			return errorEnvelope(env.ID, -32000, res.Error)
		}
		resultPayload = res.Text
	}

	return &protocol.Envelope{Protocol: "2.0", ID: env.ID, Result: json.RawMessage(resultPayload)}
}

// Cancel propagates a client cancellation to the backend that owns
// publicName, per the open question resolved in spec.md section 9(b):
// notifications/cancelled is always forwarded, even though the lineage
// this proxy is built from only did so silently/partially.
func (d *Dispatcher) Cancel(ctx context.Context, kind router.Kind, publicName string, originalRequestID json.RawMessage) error {
	entry, ok := d.registry.Lookup(kind, publicName)
	if !ok {
		return nil
	}
	params, _ := json.Marshal(map[string]json.RawMessage{"requestId": originalRequestID})
	return d.supervisor.Notify(ctx, entry.BackendName, "notifications/cancelled", params)
}

func errorEnvelope(id json.RawMessage, code int, msg string) *protocol.Envelope {
	return &protocol.Envelope{
		Protocol: "2.0",
		ID:       id,
		Error:    &protocol.RPCError{Code: code, Message: msg},
	}
}

func listFieldName(k router.Kind) string {
	switch k {
	case router.Tools:
		return "tools"
	case router.Resources:
		return "resources"
	case router.Prompts:
		return "prompts"
	default:
		return "items"
	}
}

func extractListItems(k router.Kind, result json.RawMessage) []json.RawMessage {
	var decoded map[string][]json.RawMessage
	if err := json.Unmarshal(result, &decoded); err != nil {
		return nil
	}
	return decoded[listFieldName(k)]
}

// rewriteNames rewrites each tool/prompt item's "name" field to its
// prefixed public form and registers the mapping in the registry;
// resource items are registered under their own "uri" and returned
// unchanged, per spec.md section 4.5.
func rewriteNames(reg *router.Registry, k router.Kind, backend string, items []json.RawMessage) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(items))
	for _, raw := range items {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			continue
		}

		if k == router.Resources {
			var uri string
			if v, ok := obj["uri"]; ok {
				_ = json.Unmarshal(v, &uri)
			}
			reg.Register(k, uri, backend, uri)
			out = append(out, raw)
			continue
		}

		var original string
		if v, ok := obj["name"]; ok {
			_ = json.Unmarshal(v, &original)
		}
		public := router.PublicName(backend, original)
		reg.Register(k, public, backend, original)

		publicJSON, _ := json.Marshal(public)
		obj["name"] = publicJSON
		rewritten, _ := json.Marshal(obj)
		out = append(out, rewritten)
	}
	return out
}

// extractPublicName reads the name/URI field callers use to address a
// tool, resource, or prompt.
func extractPublicName(method string, params json.RawMessage) (string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(params, &obj); err != nil {
		return "", fmt.Errorf("decode params for %s: %w", method, err)
	}
	key := "name"
	if method == "resources/read" {
		key = "uri"
	}
	raw, ok := obj[key]
	if !ok {
		return "", fmt.Errorf("%s: missing %q", method, key)
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return "", fmt.Errorf("%s: %q is not a string", method, key)
	}
	return name, nil
}

// rewriteParamsOriginalName substitutes the public name/URI in params
// with the backend's original name before forwarding.
func rewriteParamsOriginalName(params json.RawMessage, original string) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(params, &obj); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	originalJSON, _ := json.Marshal(original)
	if _, ok := obj["uri"]; ok {
		obj["uri"] = originalJSON
	} else {
		obj["name"] = originalJSON
	}
	return json.Marshal(obj)
}

func mustMarshalArray(items []json.RawMessage) json.RawMessage {
	out, _ := json.Marshal(items)
	return out
}

func mustID(seed string) json.RawMessage {
	out, _ := json.Marshal(seed)
	return out
}
