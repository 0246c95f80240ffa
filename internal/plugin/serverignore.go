package plugin

import (
	"context"
	"log/slog"
)

// ServerIgnore fetches the server-side ignore list at the start of a run and
// adds it to the run's ignore rules, protecting those paths from pruning.
// When the list cannot be fetched the plugin deactivates itself for the run.
type ServerIgnore struct {
	Base
	logger *slog.Logger
}

// NewServerIgnore creates the plugin
func NewServerIgnore() *ServerIgnore {
	return &ServerIgnore{logger: slog.Default()}
}

func (p *ServerIgnore) Name() string { return "server-ignore" }

func (p *ServerIgnore) ServerRequired() bool { return true }

func (p *ServerIgnore) OnInit(ev InitEvent) {
	if ev.Logger != nil {
		p.logger = ev.Logger
	}
}

func (p *ServerIgnore) OnStart(ctx context.Context, ev *StartEvent) {
	if ev.Server == nil {
		p.logger.Warn("no server available, ignore list disabled for this run")
		return
	}

	p.logger.Info("fetching server ignore list")
	rules, err := ev.Server.IgnoreList(ctx)
	if err != nil {
		p.logger.Warn("unable to fetch ignore list, disabled for this run", "error", err)
		return
	}

	ev.Ignore.Add(rules...)
	p.logger.Info("server ignore list applied", "rules", len(rules))
}
