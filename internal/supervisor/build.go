package supervisor

import (
	"log/slog"

	"github.com/loykin/tether/internal/config"
	"github.com/loykin/tether/internal/history"
	"github.com/loykin/tether/internal/probe"
	"github.com/loykin/tether/internal/reclaim"
	"github.com/loykin/tether/internal/resolve"
)

// NewResolver builds the resolver for c. cwd anchors the sibling source layout.
func NewResolver(c *config.Config, cwd string) *resolve.Resolver {
	bc := c.Backend
	return resolve.New(resolve.Options{
		Candidates:         resolve.DefaultCandidates(bc.ResourceDir, cwd, bc.SourceDirName, bc.SearchRoots),
		Artifact:           bc.Artifact,
		PackagedArgs:       bc.PackagedArgs,
		VenvInterpreter:    bc.VenvInterpreter,
		SystemInterpreters: bc.SystemInterpreters,
		ModuleArgs:         bc.ModuleArgs,
	})
}

// Finders returns the stale-instance strategies enabled by c: the pid file
// of the previous run first, then the name signatures.
func Finders(c *config.Config) []reclaim.Finder {
	var out []reclaim.Finder
	if c.Backend.PIDFile != "" {
		out = append(out, reclaim.PIDFileFinder{Path: c.Backend.PIDFile})
	}
	if len(c.Reclaim.Signatures) > 0 {
		out = append(out, reclaim.SignatureFinder{Signatures: c.Reclaim.Signatures})
	}
	return out
}

func NewReclaimer(c *config.Config, log *slog.Logger) *reclaim.Reclaimer {
	return reclaim.New(reclaim.Options{
		Finders: Finders(c),
		Grace:   c.Reclaim.Grace,
		Settle:  c.Reclaim.Settle,
		Logger:  log,
	})
}

func NewProber(c *config.Config) *probe.Prober {
	return probe.New(probe.Options{
		Host:        c.Probe.Host,
		FirstPort:   c.Probe.FirstPort,
		LastPort:    c.Probe.LastPort,
		Settle:      c.Probe.Settle,
		DialTimeout: c.Probe.DialTimeout,
	})
}

// FromConfig wires a Supervisor from c. Reclaim is skipped when disabled.
func FromConfig(c *config.Config, cwd string, log *slog.Logger, sinks []history.Sink) *Supervisor {
	var rc Reclaimer
	if c.Reclaim.Enabled {
		rc = NewReclaimer(c, log)
	}
	return New(Options{
		Name:      c.Backend.Name,
		Resolver:  NewResolver(c, cwd),
		Reclaimer: rc,
		Prober:    NewProber(c),
		Sinks:     sinks,
		Logger:    log,
		Host:      c.Backend.Host,
		Port:      c.Probe.FirstPort,
		Env:       c.Backend.Env,
		PIDFile:   c.Backend.PIDFile,
		StopGrace: c.Backend.StopGrace,
		Log:       c.LoggerConfig(),
	})
}
