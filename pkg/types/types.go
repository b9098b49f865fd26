// Package types holds the data model shared across the production runtime:
// MessageEnvelope and its lifecycle, the configuration snapshot consumed by
// the engine, routing rules, connections, and the per-leg trace records.
package types

import "time"

// ItemKind is the kind of a configured production item.
type ItemKind string

const (
	ItemService   ItemKind = "service"
	ItemProcess   ItemKind = "process"
	ItemOperation ItemKind = "operation"
)

// QueueDiscipline selects a BoundedQueue's dequeue ordering.
type QueueDiscipline string

const (
	QueueFIFO      QueueDiscipline = "fifo"
	QueueLIFO      QueueDiscipline = "lifo"
	QueuePriority  QueueDiscipline = "priority"
	QueueUnordered QueueDiscipline = "unordered"
)

// OverflowPolicy selects what a BoundedQueue does when `put` would exceed
// capacity.
type OverflowPolicy string

const (
	OverflowBlock      OverflowPolicy = "block"
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	OverflowDropNew    OverflowPolicy = "drop_new"
	OverflowReject     OverflowPolicy = "reject"
)

// RestartPolicy selects how a Host's supervisor reacts to worker/adapter
// faults.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on_failure"
	RestartAlways    RestartPolicy = "always"
)

// MessagingPattern selects the Host.Submit contract for an item.
type MessagingPattern string

const (
	PatternAsyncReliable  MessagingPattern = "async_reliable"
	PatternSyncReliable   MessagingPattern = "sync_reliable"
	PatternConcurrentAsync MessagingPattern = "concurrent_async"
	PatternConcurrentSync  MessagingPattern = "concurrent_sync"
)

// HostState is a lifecycle state of a running Host.
type HostState string

const (
	StateCreated  HostState = "created"
	StateStarting HostState = "starting"
	StateRunning  HostState = "running"
	StatePaused   HostState = "paused"
	StateStopping HostState = "stopping"
	StateStopped  HostState = "stopped"
	StateError    HostState = "error"
)

// Direction of a trace leg relative to the item that produced it.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// HeaderStatus is the terminal (or pending) status of a MessageHeader.
type HeaderStatus string

const (
	StatusPending   HeaderStatus = "pending"
	StatusCompleted HeaderStatus = "completed"
	StatusSent      HeaderStatus = "sent"
	StatusFailed    HeaderStatus = "failed"
	StatusError     HeaderStatus = "error"
	StatusNoMatch   HeaderStatus = "no_match"
)

// ConnectionKind classifies a declarative edge between two items.
type ConnectionKind string

const (
	ConnectionStandard ConnectionKind = "standard"
	ConnectionError    ConnectionKind = "error"
	ConnectionAsync    ConnectionKind = "async"
)

// RuleAction is the action a matched RoutingRule applies to its targets.
type RuleAction string

const (
	ActionSend      RuleAction = "send"
	ActionTransform RuleAction = "transform"
	ActionStop      RuleAction = "stop"
	ActionDelete    RuleAction = "delete"
)

// ValidationMode controls whether a RouterHost parses inbound envelopes
// before evaluating rules.
type ValidationMode string

const (
	ValidationNone  ValidationMode = "none"
	ValidationWarn  ValidationMode = "warn"
	ValidationError ValidationMode = "error"
)

// MessageEnvelope carries one message between hosts. Once constructed,
// RawPayload is never mutated; ParsedView is populated at most once, on
// first parse, and never mutated afterward.
type MessageEnvelope struct {
	MessageID       string
	CorrelationID   string
	SessionID       string
	SourceHost      string
	DestinationHost string

	ContentType    string
	SchemaVersion  string
	Priority       int
	TTL            *time.Time
	RetryCount     int
	EnqueueSeq     uint64 // assigned by BoundedQueue.put, used for priority tiebreak

	RawPayload []byte
	ParsedView *ParsedView

	Properties map[string]string
}

// ParsedView is the lazily-populated structured view of RawPayload. Its
// concrete shape (HL7 segments today) lives in package hl7; here it is only
// referenced opaquely so types has no dependency on hl7.
type ParsedView struct {
	// Kind identifies the parser that produced Fields (e.g. "hl7-er7").
	Kind string
	// Fields is the parser's accessor surface, opaque to this package.
	Fields interface{}
}

// Clone returns a shallow copy of the envelope with a fresh MessageID,
// inheriting SessionID and CorrelationID, as required when a router
// "transform" action produces a new leg.
func (e *MessageEnvelope) Clone(newMessageID string) *MessageEnvelope {
	props := make(map[string]string, len(e.Properties))
	for k, v := range e.Properties {
		props[k] = v
	}
	return &MessageEnvelope{
		MessageID:       newMessageID,
		CorrelationID:   e.CorrelationID,
		SessionID:       e.SessionID,
		SourceHost:      e.SourceHost,
		DestinationHost: e.DestinationHost,
		ContentType:     e.ContentType,
		SchemaVersion:   e.SchemaVersion,
		Priority:        e.Priority,
		TTL:             e.TTL,
		RetryCount:      e.RetryCount,
		RawPayload:      e.RawPayload,
		Properties:      props,
	}
}

// ForwardCopy returns a shallow copy of the envelope addressed to target
// and attributed to source, keeping the same MessageID: per spec.md §3 a
// forwarded envelope is not a new leg (that is reserved for a router
// "transform" action, which uses Clone instead). RawPayload and Properties
// are shared with the original; callers must not mutate either after
// forwarding, consistent with the envelope's immutable-after-creation
// contract.
func (e *MessageEnvelope) ForwardCopy(source, target string) *MessageEnvelope {
	cp := *e
	cp.SourceHost = source
	cp.DestinationHost = target
	return &cp
}

// ItemConfig is the snapshot that fully determines how to build one host.
type ItemConfig struct {
	Name    string   `json:"name" yaml:"name"`
	Kind    ItemKind `json:"kind" yaml:"kind"`
	Enabled bool     `json:"enabled" yaml:"enabled"`

	AdapterType     string                 `json:"adapter_type" yaml:"adapter_type"`
	AdapterSettings map[string]interface{} `json:"adapter_settings" yaml:"adapter_settings"`

	HostSettings HostSettings `json:"host_settings" yaml:"host_settings"`
}

// HostSettings is the authoritative host option set (spec.md §6).
type HostSettings struct {
	PoolSize                int              `json:"pool_size" yaml:"pool_size"`
	QueueType               QueueDiscipline  `json:"queue_type" yaml:"queue_type"`
	QueueSize               int              `json:"queue_size" yaml:"queue_size"`
	OverflowPolicy          OverflowPolicy   `json:"overflow_policy" yaml:"overflow_policy"`
	RestartPolicy           RestartPolicy    `json:"restart_policy" yaml:"restart_policy"`
	MaxRestarts             int              `json:"max_restarts" yaml:"max_restarts"` // -1 = unlimited
	RestartDelay            time.Duration    `json:"restart_delay" yaml:"restart_delay"`
	MessagingPattern        MessagingPattern `json:"messaging_pattern" yaml:"messaging_pattern"`
	TargetNames             []string         `json:"target_config_names" yaml:"target_config_names"`
	MessageSchema           string           `json:"message_schema" yaml:"message_schema"`
	GracefulShutdownTimeout time.Duration    `json:"graceful_shutdown_timeout" yaml:"graceful_shutdown_timeout"`
}

// DefaultHostSettings returns the documented defaults from spec.md §6.
func DefaultHostSettings() HostSettings {
	return HostSettings{
		PoolSize:                1,
		QueueType:               QueueFIFO,
		QueueSize:               1000,
		OverflowPolicy:          OverflowBlock,
		RestartPolicy:           RestartOnFailure,
		MaxRestarts:             100,
		RestartDelay:            10 * time.Second,
		MessagingPattern:        PatternAsyncReliable,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// RoutingRule is one content-based routing rule owned by a RouterHost.
type RoutingRule struct {
	Name          string     `json:"name" yaml:"name"`
	// Router names the process item the rule is installed on. Empty means
	// every router in the production, the common single-router case.
	Router        string     `json:"router,omitempty" yaml:"router,omitempty"`
	Priority      int        `json:"priority" yaml:"priority"`
	Enabled       bool       `json:"enabled" yaml:"enabled"`
	Condition     string     `json:"condition" yaml:"condition"` // empty = always true
	Action        RuleAction `json:"action" yaml:"action"`
	Targets       []string   `json:"targets" yaml:"targets"`
	TransformName string     `json:"transform_name,omitempty" yaml:"transform_name,omitempty"`

	// LoadSequence breaks ties between rules of equal Priority: rules are
	// evaluated in ascending Priority, then ascending LoadSequence.
	LoadSequence int `json:"-" yaml:"-"`
}

// Connection is a declarative edge used to compute default targets when no
// routing rule matches.
type Connection struct {
	SourceItem string         `json:"source_item" yaml:"source_item"`
	TargetItem string         `json:"target_item" yaml:"target_item"`
	Kind       ConnectionKind `json:"kind" yaml:"kind"`
}

// MessageHeader is one per-leg trace record.
type MessageHeader struct {
	HeaderID    string
	SessionID   string
	ProjectID   string
	ItemName    string
	ItemKind    ItemKind
	Direction   Direction
	Status      HeaderStatus
	SourceItem      string
	DestinationItem string

	ReceivedAt  time.Time
	CompletedAt time.Time
	LatencyMS   int64

	BodyID        string
	BodyClassName string
	AckBodyID     string
	ErrorMessage  string
}

// MessageBody is a content-deduplicated payload row.
type MessageBody struct {
	BodyID        string
	Checksum      string
	ContentType   string
	SchemaVersion string
	SizeBytes     int64
	RawPayload    []byte

	// IndexedFields holds protocol-specific query columns (HL7 message
	// type, sending facility, FHIR resource type, ...).
	IndexedFields map[string]string
}

// Snapshot is the configuration object the engine consumes verbatim from the
// (out of scope) management API, accepted here as JSON or YAML.
type Snapshot struct {
	Production struct {
		Name     string                 `json:"name" yaml:"name"`
		Enabled  bool                   `json:"enabled" yaml:"enabled"`
		Settings map[string]interface{} `json:"settings" yaml:"settings"`
	} `json:"production" yaml:"production"`
	Items        []ItemConfig  `json:"items" yaml:"items"`
	Connections  []Connection  `json:"connections" yaml:"connections"`
	RoutingRules []RoutingRule `json:"routing_rules" yaml:"routing_rules"`
}
