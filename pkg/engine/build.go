package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/carepath/conduit/pkg/fileadapter"
	"github.com/carepath/conduit/pkg/host"
	"github.com/carepath/conduit/pkg/httpadapter"
	"github.com/carepath/conduit/pkg/mllp"
	"github.com/carepath/conduit/pkg/registry"
	"github.com/carepath/conduit/pkg/router"
	"github.com/carepath/conduit/pkg/types"
)

// Item is what the engine drives: both host.Host and router.RouterHost
// satisfy it.
type Item interface {
	Name() string
	Kind() types.ItemKind
	State() types.HostState
	Config() types.ItemConfig
	QueueDepth() int
	WorkerCount() int
	Submit(env *types.MessageEnvelope) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Reload(ctx context.Context, newCfg types.ItemConfig) error
}

// buildFunc constructs one Item variant. The variant set is closed: the
// registry below replaces the source's open class-name dispatch (spec.md §9).
type buildFunc func(b *builder, cfg types.ItemConfig) (Item, error)

var adapterBuilders = map[string]buildFunc{
	"service/mllp":   buildMLLPService,
	"service/file":   buildFileService,
	"service/http":   buildHTTPService,
	"process/":       buildRouter,
	"process/router": buildRouter,
	"operation/mllp": buildMLLPOperation,
	"operation/file": buildFileOperation,
	"operation/http": buildHTTPOperation,
}

// builder carries the per-production collaborators every buildFunc needs.
type builder struct {
	engine    *Engine
	projectID string
	registry  *registry.Registry
	snapshot  *types.Snapshot
}

func (b *builder) build(cfg types.ItemConfig) (Item, error) {
	cfg.HostSettings = withHostDefaults(cfg.HostSettings)
	fn, ok := adapterBuilders[string(cfg.Kind)+"/"+cfg.AdapterType]
	if !ok {
		return nil, fmt.Errorf("engine: item %s: no builder for kind %q adapter %q", cfg.Name, cfg.Kind, cfg.AdapterType)
	}
	return fn(b, cfg)
}

func (b *builder) hostConfig() host.Config {
	return host.Config{
		ProjectID: b.projectID,
		Registry:  b.registry,
		Trace:     b.engine.cfg.Trace,
		Broker:    b.engine.cfg.Broker,
	}
}

// targetsFor resolves an item's forward targets: explicit host settings
// first, then the adapter-level TargetConfigNames list, then standard
// connections (spec.md §3 Connection).
func (b *builder) targetsFor(cfg types.ItemConfig) []string {
	if len(cfg.HostSettings.TargetNames) > 0 {
		return cfg.HostSettings.TargetNames
	}
	if targets := newSettings(cfg.AdapterSettings).strList("TargetConfigNames"); len(targets) > 0 {
		return targets
	}
	return b.connectionTargets(cfg.Name, types.ConnectionStandard)
}

func (b *builder) connectionTargets(source string, kind types.ConnectionKind) []string {
	var targets []string
	for _, conn := range b.snapshot.Connections {
		if conn.SourceItem == source && conn.Kind == kind {
			targets = append(targets, conn.TargetItem)
		}
	}
	return targets
}

// rulesFor returns the snapshot rules installed on one router: rules naming
// it, plus unscoped rules, in snapshot order.
func (b *builder) rulesFor(routerName string) []types.RoutingRule {
	var rules []types.RoutingRule
	for _, rule := range b.snapshot.RoutingRules {
		if rule.Router == "" || rule.Router == routerName {
			rules = append(rules, rule)
		}
	}
	return rules
}

func buildMLLPService(b *builder, cfg types.ItemConfig) (Item, error) {
	s := newSettings(cfg.AdapterSettings)
	port := s.integer("Port", 0)
	if port <= 0 {
		return nil, fmt.Errorf("engine: item %s: mllp inbound requires Port", cfg.Name)
	}
	adapter := mllp.NewInboundAdapter(mllp.InboundConfig{
		ItemName:          cfg.Name,
		BindHost:          s.str("Host", ""),
		Port:              port,
		MaxConnections:    s.integer("MaxConnections", 0),
		ReadTimeout:       s.seconds("ReadTimeout", 0),
		AckMode:           mllp.AckMode(s.str("AckMode", "")),
		BadMessageHandler: s.str("BadMessageHandler", ""),
		Trace:             b.engine.cfg.Trace,
	})

	hc := b.hostConfig()
	hc.Adapter = adapter
	hc.Pump = adapter
	hc.Handler = host.ForwardToTargets(b.registry, cfg.Name, b.targetsFor(cfg))
	return host.New(cfg, hc), nil
}

func buildFileService(b *builder, cfg types.ItemConfig) (Item, error) {
	s := newSettings(cfg.AdapterSettings)
	dir := s.str("Directory", "")
	if dir == "" {
		return nil, fmt.Errorf("engine: item %s: file inbound requires Directory", cfg.Name)
	}
	adapter := fileadapter.NewInboundAdapter(fileadapter.InboundConfig{
		ItemName:      cfg.Name,
		Directory:     dir,
		ArchiveDir:    s.str("Archive", ""),
		Pattern:       s.str("FilePattern", ""),
		PollInterval:  s.seconds("PollInterval", 0),
		ContentType:   s.str("ContentType", ""),
		SchemaVersion: s.str("MessageSchemaCategory", cfg.HostSettings.MessageSchema),
	})

	hc := b.hostConfig()
	hc.Adapter = adapter
	hc.Pump = adapter
	hc.Handler = host.ForwardToTargets(b.registry, cfg.Name, b.targetsFor(cfg))
	return host.New(cfg, hc), nil
}

func buildHTTPService(b *builder, cfg types.ItemConfig) (Item, error) {
	s := newSettings(cfg.AdapterSettings)
	port := s.integer("Port", 0)
	if port <= 0 {
		return nil, fmt.Errorf("engine: item %s: http inbound requires Port", cfg.Name)
	}
	adapter := httpadapter.NewInboundAdapter(httpadapter.InboundConfig{
		ItemName:    cfg.Name,
		BindHost:    s.str("Host", ""),
		Port:        port,
		Path:        s.str("Path", ""),
		ContentType: s.str("ContentType", ""),
		ReadTimeout: s.seconds("ReadTimeout", 0),
	})

	hc := b.hostConfig()
	hc.Adapter = adapter
	hc.Pump = adapter
	hc.Handler = host.ForwardToTargets(b.registry, cfg.Name, b.targetsFor(cfg))
	return host.New(cfg, hc), nil
}

func buildRouter(b *builder, cfg types.ItemConfig) (Item, error) {
	s := newSettings(cfg.AdapterSettings)
	r, err := router.New(
		cfg,
		b.hostConfig(),
		b.rulesFor(cfg.Name),
		b.connectionTargets(cfg.Name, types.ConnectionStandard),
		types.ValidationMode(s.str("ValidationMode", string(types.ValidationNone))),
		s.str("BadMessageHandler", ""),
		b.engine.cfg.Transforms,
	)
	if err != nil {
		// Unparseable conditions disable those rules; the router still
		// deploys with the rest (spec.md §4.5, §7).
		b.engine.logger.Warn().Err(err).Str("item", cfg.Name).Msg("some routing rules disabled")
	}
	return r, nil
}

func buildMLLPOperation(b *builder, cfg types.ItemConfig) (Item, error) {
	s := newSettings(cfg.AdapterSettings)
	remote := s.str("IPAddress", "")
	port := s.integer("Port", 0)
	if remote == "" || port <= 0 {
		return nil, fmt.Errorf("engine: item %s: mllp outbound requires IPAddress and Port", cfg.Name)
	}
	adapter, err := mllp.NewOutboundAdapter(mllp.OutboundConfig{
		ItemName:         cfg.Name,
		RemoteHost:       remote,
		Port:             port,
		ConnectTimeout:   s.seconds("ConnectTimeout", 0),
		AckTimeout:       s.seconds("AckTimeout", 0),
		MaxRetries:       s.integer("MaxRetries", 0),
		RetryInterval:    s.seconds("RetryInterval", 0),
		ReplyCodeActions: s.str("ReplyCodeActions", ""),
		FailureTimeout:   time.Duration(s.integer("FailureTimeout", -1)) * time.Second,
	}, b.engine.cfg.Trace)
	if err != nil {
		return nil, fmt.Errorf("engine: item %s: %w", cfg.Name, err)
	}

	hc := b.hostConfig()
	hc.Adapter = adapter
	hc.Handler = adapter.Deliver
	return host.New(cfg, hc), nil
}

func buildFileOperation(b *builder, cfg types.ItemConfig) (Item, error) {
	s := newSettings(cfg.AdapterSettings)
	dir := s.str("Directory", "")
	if dir == "" {
		return nil, fmt.Errorf("engine: item %s: file outbound requires Directory", cfg.Name)
	}
	adapter := fileadapter.NewOutboundAdapter(fileadapter.OutboundConfig{
		ItemName:  cfg.Name,
		Directory: dir,
		Extension: s.str("Extension", ""),
	})

	hc := b.hostConfig()
	hc.Adapter = adapter
	hc.Handler = adapter.Deliver
	return host.New(cfg, hc), nil
}

func buildHTTPOperation(b *builder, cfg types.ItemConfig) (Item, error) {
	s := newSettings(cfg.AdapterSettings)
	url := s.str("URL", "")
	if url == "" {
		return nil, fmt.Errorf("engine: item %s: http outbound requires URL", cfg.Name)
	}
	adapter, err := httpadapter.NewOutboundAdapter(httpadapter.OutboundConfig{
		ItemName:         cfg.Name,
		URL:              url,
		Method:           s.str("Method", ""),
		ContentType:      s.str("ContentType", ""),
		RequestTimeout:   s.seconds("RequestTimeout", 0),
		MaxRetries:       s.integer("MaxRetries", 0),
		RetryInterval:    s.seconds("RetryInterval", 0),
		ReplyCodeActions: s.str("ReplyCodeActions", ""),
	}, b.engine.cfg.Trace)
	if err != nil {
		return nil, fmt.Errorf("engine: item %s: %w", cfg.Name, err)
	}

	hc := b.hostConfig()
	hc.Adapter = adapter
	hc.Handler = adapter.Deliver
	return host.New(cfg, hc), nil
}
