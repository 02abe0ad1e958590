package messaging

import (
	"context"
)

// Broker defines the interface for message brokers
type Broker interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Close() error
}

// AlertChannel is the broker channel security alerts are published on.
// Organization-configured delivery (pager, chat, webhook) subscribes here.
const AlertChannel = "security.alerts"

// IntegrityChannel carries chain-integrity failures found by verification.
// These are compliance-critical and require human investigation.
const IntegrityChannel = "security.integrity"
