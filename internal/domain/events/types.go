package events

// EventType names a telemetry event. The values are the analytics event
// names and must stay stable.
type EventType string

const (
	EventTypeAccountCreationRequested EventType = "stellar_account_creation_requested"
	EventTypeWalletCreationSucceeded  EventType = "wallet_creation_succeeded"
	EventTypeWalletCreationFailed     EventType = "wallet_creation_failed"

	EventTypeMigrationStatusCheckSucceeded    EventType = "migration_status_check_succeeded"
	EventTypeMigrationStatusCheckFailed       EventType = "migration_status_check_failed"
	EventTypeMigrationBCVersionCheckSucceeded EventType = "migration_bc_version_check_succeeded"
	EventTypeMigrationBCVersionCheckFailed    EventType = "migration_bc_version_check_failed"
	EventTypeMigrationStarted                 EventType = "migration_started"
	EventTypeMigrationSucceeded               EventType = "migration_succeeded"
	EventTypeMigrationFailed                  EventType = "migration_failed"

	EventTypeAccountSwitchSucceeded EventType = "account_switch_succeeded"
	EventTypeAccountSwitchFailed    EventType = "account_switch_failed"
)

// Category groups events by who consumes them.
type Category string

const (
	CategoryBusiness  Category = "business"
	CategoryAnalytics Category = "analytics"
	CategoryLog       Category = "log"
)

// Category returns the category an event type is reported under.
func (t EventType) Category() Category {
	switch t {
	case EventTypeAccountCreationRequested, EventTypeWalletCreationSucceeded:
		return CategoryBusiness
	case EventTypeWalletCreationFailed,
		EventTypeMigrationStatusCheckFailed,
		EventTypeMigrationBCVersionCheckFailed,
		EventTypeMigrationFailed,
		EventTypeAccountSwitchFailed:
		return CategoryLog
	default:
		return CategoryAnalytics
	}
}

// EmitOption is a function type that modifies EmitParams.
type EmitOption func(*EmitParams)

// EmitParams contains routing options for an emitted event.
type EmitParams struct {
	// Key is used as a partition key to control event routing and ordering.
	Key string
	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string
}

// WithKey returns an EmitOption that sets the partition key for event routing.
func WithKey(key string) EmitOption {
	return func(p *EmitParams) { p.Key = key }
}

// WithHeaders returns an EmitOption that attaches metadata headers to an event.
func WithHeaders(headers map[string]string) EmitOption {
	return func(p *EmitParams) { p.Headers = headers }
}
