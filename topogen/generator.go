// Package topogen implements jobqueue.Generator: the synthetic CI/event
// topology that a submitted job actually produces, built out of
// cmdb.Repository CI writes and relationship.Service edge writes.
package topogen

import (
	"context"
	"fmt"

	"cmdbgraph.io/core/cmdb"
	"cmdbgraph.io/core/jobqueue"
	"cmdbgraph.io/core/relationship"
)

// SyntheticGenerator builds a region/datacenter/server/application/
// database topology sized by a jobqueue.Preset, plus a batch of
// operational events, reporting progress and honoring cancellation
// throughout.
type SyntheticGenerator struct {
	cis   *cmdb.Repository
	edges *relationship.Service
}

// NewSyntheticGenerator wires a SyntheticGenerator.
func NewSyntheticGenerator(cis *cmdb.Repository, edges *relationship.Service) *SyntheticGenerator {
	return &SyntheticGenerator{cis: cis, edges: edges}
}

const cancelledMessage = "generation cancelled"

// GenerateCIs creates preset.Regions regions, preset.DCsPerRegion data
// centers per region, preset.ServersPerDC servers per data center, and
// preset.Apps/preset.DBs applications/databases distributed round-robin
// across the generated servers, wiring HOSTED_IN/RUNS_ON/DEPENDS_ON
// edges as it goes.
func (g *SyntheticGenerator) GenerateCIs(ctx context.Context, preset jobqueue.Preset, onProgress func(float64, string), checkCancelled func() bool) error {
	total := preset.Regions*(1+preset.DCsPerRegion*(1+preset.ServersPerDC)) + preset.Apps + preset.DBs
	if total == 0 {
		total = 1
	}
	done := 0

	report := func(message string) {
		onProgress(float64(done)/float64(total)*100, message)
	}

	var servers []string

	for r := 0; r < preset.Regions; r++ {
		if checkCancelled() {
			return errCancelled()
		}
		region, err := g.cis.Create(ctx, cmdb.CreateInput{
			Name: fmt.Sprintf("region-%d", r), Type: "Region", Criticality: cmdb.CriticalityHigh,
		})
		if err != nil {
			return err
		}
		done++
		report(fmt.Sprintf("generating region %d/%d", r+1, preset.Regions))

		for d := 0; d < preset.DCsPerRegion; d++ {
			if checkCancelled() {
				return errCancelled()
			}
			dc, err := g.cis.Create(ctx, cmdb.CreateInput{
				Name: fmt.Sprintf("%s-dc-%d", region.Name, d), Type: "DataCenter", Criticality: cmdb.CriticalityHigh,
			})
			if err != nil {
				return err
			}
			if err := g.edges.Upsert(ctx, dc.ID, region.ID, cmdb.HostedIn, nil); err != nil {
				return err
			}
			done++
			report(fmt.Sprintf("generating data center %d/%d in %s", d+1, preset.DCsPerRegion, region.Name))

			for s := 0; s < preset.ServersPerDC; s++ {
				if checkCancelled() {
					return errCancelled()
				}
				server, err := g.cis.Create(ctx, cmdb.CreateInput{
					Name: fmt.Sprintf("%s-srv-%d", dc.Name, s), Type: "Server", Criticality: cmdb.CriticalityMedium,
				})
				if err != nil {
					return err
				}
				if err := g.edges.Upsert(ctx, server.ID, dc.ID, cmdb.HostedIn, nil); err != nil {
					return err
				}
				servers = append(servers, server.ID)
				done++
				if s%10 == 0 {
					report(fmt.Sprintf("generating servers in %s (%d/%d)", dc.Name, s+1, preset.ServersPerDC))
				}
			}
		}
	}

	if len(servers) == 0 {
		servers = []string{""}
	}

	var dbs []string
	for i := 0; i < preset.DBs; i++ {
		if checkCancelled() {
			return errCancelled()
		}
		db, err := g.cis.Create(ctx, cmdb.CreateInput{
			Name: fmt.Sprintf("db-%d", i), Type: "Database", Criticality: cmdb.CriticalityHigh,
		})
		if err != nil {
			return err
		}
		if server := servers[i%len(servers)]; server != "" {
			if err := g.edges.Upsert(ctx, db.ID, server, cmdb.RunsOn, nil); err != nil {
				return err
			}
		}
		dbs = append(dbs, db.ID)
		done++
		if i%25 == 0 {
			report(fmt.Sprintf("generating databases (%d/%d)", i+1, preset.DBs))
		}
	}
	if len(dbs) == 0 {
		dbs = []string{""}
	}

	for i := 0; i < preset.Apps; i++ {
		if checkCancelled() {
			return errCancelled()
		}
		app, err := g.cis.Create(ctx, cmdb.CreateInput{
			Name: fmt.Sprintf("app-%d", i), Type: "WebApplication", Criticality: cmdb.CriticalityMedium,
		})
		if err != nil {
			return err
		}
		if server := servers[i%len(servers)]; server != "" {
			if err := g.edges.Upsert(ctx, app.ID, server, cmdb.RunsOn, nil); err != nil {
				return err
			}
		}
		if db := dbs[i%len(dbs)]; db != "" {
			if err := g.edges.Upsert(ctx, app.ID, db, cmdb.DependsOn, nil); err != nil {
				return err
			}
		}
		done++
		if i%50 == 0 {
			report(fmt.Sprintf("generating applications (%d/%d)", i+1, preset.Apps))
		}
	}

	onProgress(100, "CI generation complete")
	return nil
}

// eventSeverities cycles through a fixed severity rotation so generated
// events aren't uniformly one level.
var eventSeverities = []string{"info", "warning", "error", "critical"}

// GenerateEvents creates preset.Events operational Event nodes.
func (g *SyntheticGenerator) GenerateEvents(ctx context.Context, preset jobqueue.Preset, onProgress func(float64, string), checkCancelled func() bool) error {
	total := preset.Events
	if total == 0 {
		total = 1
	}

	for i := 0; i < preset.Events; i++ {
		if checkCancelled() {
			return errCancelled()
		}
		severity := eventSeverities[i%len(eventSeverities)]
		err := g.cis.CreateEvent(ctx, cmdb.Event{
			Source:    "topogen",
			Message:   fmt.Sprintf("synthetic event %d", i),
			Severity:  severity,
			EventType: "synthetic",
			Status:    "open",
		})
		if err != nil {
			return err
		}
		if i%50 == 0 {
			onProgress(float64(i+1)/float64(total)*100, fmt.Sprintf("generating events (%d/%d)", i+1, preset.Events))
		}
	}

	onProgress(100, "event generation complete")
	return nil
}

func errCancelled() error {
	return fmt.Errorf(cancelledMessage)
}
