package app

import (
	"github.com/kuuji/slipgate/internal/enet"
	"github.com/kuuji/slipgate/internal/slippi"
)

// Deps holds the external dependencies the App needs. This allows tests to
// inject fakes for the pieces that touch real UDP sockets or outbound HTTP.
// Production code uses DefaultDeps().
type Deps struct {
	// NewHost creates the reliable-UDP hosts the workers bind.
	NewHost enet.NewHostFunc

	// Versions resolves the Slippi client version embedded in ticket
	// requests. Nil selects the REST client built from the configuration.
	Versions slippi.VersionFetcher

	// Timing overrides the workers' deadlines and retry budgets. The zero
	// value selects the production defaults.
	Timing slippi.Timing
}

// DefaultDeps returns the production implementations backed by the native
// transport.
func DefaultDeps() Deps {
	return Deps{
		NewHost: enet.DefaultNewHost,
	}
}
