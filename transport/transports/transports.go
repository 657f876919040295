// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	// Imported for side-effect registration.
	_ "github.com/ipcflow/ipcflow/transport/channel"
	_ "github.com/ipcflow/ipcflow/transport/http"
	_ "github.com/ipcflow/ipcflow/transport/kafka"

	"github.com/ipcflow/ipcflow/transport/nats"
	"github.com/ipcflow/ipcflow/transport/rabbitmq"
)

// nats and rabbitmq register explicitly so that importing just their package
// does not force a registration on programs that wire their own registry.
func init() {
	nats.Register()
	rabbitmq.Register()
}
