package sourcinghub

import (
	"fmt"
	"strings"
)

// BuildDeliveryQueueFromDSN maps a DSN to a delivery queue:
//
//	"" or "memory://"   bounded in-process channel
//	"file:///path"      durable JSON file FIFO
//	"postgres://..."    durable table drained with SKIP LOCKED
//
// Unknown schemes fall through to factories registered with
// RegisterDeliveryQueueFactory.
func BuildDeliveryQueueFromDSN(dsn string, capacity int) (DeliveryQueue, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "" || dsn == "memory" || dsn == "memory://":
		return NewInMemoryDeliveryQueue(capacity), nil
	case strings.HasPrefix(dsn, "file:"):
		path := dsnPath(dsn)
		if path == "" {
			return nil, fmt.Errorf("delivery queue dsn %q has no path", dsn)
		}
		return NewFileDeliveryQueue(path, capacity)
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresDeliveryQueue(dsn, capacity)
	}
	if factory, ok := lookupDeliveryQueueFactory(dsnScheme(dsn)); ok {
		return factory(dsn, capacity)
	}
	return nil, fmt.Errorf("unsupported delivery queue dsn %q", dsn)
}
