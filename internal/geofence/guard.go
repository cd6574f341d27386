package geofence

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"worksync.agent/internal/core"
	"worksync.agent/internal/core/model"
	"worksync.agent/internal/ports/location"
)

// Proximity is the guard's view of the worker relative to a site.
type Proximity string

const (
	// Near means the freshest sample is inside the check-in radius.
	Near Proximity = "near"
	// Far means the freshest sample is outside the radius.
	Far Proximity = "far"
	// Unknown means no usable sample exists: provider off, permission
	// denied, or the site has no coordinates on record.
	Unknown Proximity = "unknown"
)

const earthRadiusMeters = 6371000

// Distance returns the great-circle distance in meters between two
// positions, via the haversine formula.
func Distance(a, b location.Position) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

// SiteResolver maps an assignment's referenced entity to its coordinates.
// A nil position with nil error means the site has none on record.
type SiteResolver interface {
	SiteLocation(ctx context.Context, refType model.RefType, refID string) (*location.Position, error)
}

// Guard gates check-ins on physical proximity to the assignment's site and
// watches open sessions for geofence transitions and heartbeats.
type Guard struct {
	provider location.Provider
	resolver SiteResolver
	radius   float64

	mu   sync.Mutex
	prox map[string]Proximity // per worker, last observed state
}

// NewGuard builds a guard with the given check-in radius in meters.
func NewGuard(provider location.Provider, resolver SiteResolver, radiusMeters float64) *Guard {
	return &Guard{
		provider: provider,
		resolver: resolver,
		radius:   radiusMeters,
		prox:     map[string]Proximity{},
	}
}

// CheckIn verifies the worker is close enough to the assignment's site. It
// always takes a fresh sample; a cached reading from minutes ago does not
// count. Returns the sample so the caller can persist it with the check-in.
func (g *Guard) CheckIn(ctx context.Context, rec model.AssignmentRecord) (location.Position, error) {
	pos, err := g.provider.Current(ctx)
	if err != nil {
		return location.Position{}, core.ErrMissingLocation
	}

	site, err := g.resolver.SiteLocation(ctx, rec.RefType, rec.RefID)
	if err != nil {
		return location.Position{}, err
	}
	if site == nil {
		// A site without coordinates cannot be verified, so the
		// check-in is refused regardless of where the worker stands.
		log.Warn().Str("ref_id", rec.RefID).Str("ref_type", string(rec.RefType)).
			Msg("site has no coordinates on record, refusing check-in")
		return location.Position{}, core.ErrMissingLocation
	}

	d := Distance(pos, *site)
	if d > g.radius {
		log.Info().Float64("distance_m", d).Float64("radius_m", g.radius).
			Str("assignment_id", rec.ID).Msg("check-in refused, too far from site")
		return location.Position{}, core.ErrTooFarFromSite
	}
	return pos, nil
}

// Classify computes the proximity state for a single sample against a site.
func (g *Guard) Classify(pos *location.Position, site *location.Position) Proximity {
	if pos == nil || site == nil {
		return Unknown
	}
	if Distance(*pos, *site) <= g.radius {
		return Near
	}
	return Far
}

// SessionEvents is the subset of the synchronizer the watcher needs.
type SessionEvents interface {
	OpenSession(workerID string) *model.WorkSession
	NextAssignment(workerID string) *model.AssignmentRecord
	Assignment(ctx context.Context, id string) (*model.AssignmentRecord, error)
	RecordHeartbeat(ctx context.Context, workerID, assignmentID string, pos location.Position) error
}

// Watch samples the worker's position on the heartbeat interval for as long
// as a session is open, recording heartbeats and logging proximity
// transitions. It returns when ctx is cancelled.
func (g *Guard) Watch(ctx context.Context, workerID string, interval time.Duration, events SessionEvents) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.tick(ctx, workerID, events)
		}
	}
}

// Sweep runs one heartbeat pass for every given worker. Meant to be driven
// by a single agent-wide ticker instead of one Watch goroutine per worker.
func (g *Guard) Sweep(ctx context.Context, workerIDs []string, events SessionEvents) {
	for _, wid := range workerIDs {
		g.tick(ctx, wid, events)
	}
}

// tick samples one worker once. With a session open it records a heartbeat
// and tracks proximity to the active assignment's site; otherwise it tracks
// proximity to the next-assignable one, so the check-in gate's state is
// already warm when the worker taps.
func (g *Guard) tick(ctx context.Context, workerID string, events SessionEvents) {
	var rec *model.AssignmentRecord
	var err error

	open := events.OpenSession(workerID)
	if open.Open() {
		rec, err = events.Assignment(ctx, open.AssignmentID)
		if err != nil {
			g.transition(workerID, Unknown, 0)
			return
		}
	} else if rec = events.NextAssignment(workerID); rec == nil {
		g.transition(workerID, Unknown, 0)
		return
	}

	pos, err := g.provider.Current(ctx)
	if err != nil {
		g.transition(workerID, Unknown, 0)
		return
	}

	if open.Open() {
		if err := events.RecordHeartbeat(ctx, workerID, open.AssignmentID, pos); err != nil {
			log.Error().Err(err).Str("worker_id", workerID).Msg("heartbeat not recorded")
		}
	}

	site, err := g.resolver.SiteLocation(ctx, rec.RefType, rec.RefID)
	if err != nil || site == nil {
		g.transition(workerID, Unknown, 0)
		return
	}

	d := Distance(pos, *site)
	if d <= g.radius {
		g.transition(workerID, Near, d)
	} else {
		g.transition(workerID, Far, d)
	}
}

func (g *Guard) transition(workerID string, next Proximity, distance float64) {
	g.mu.Lock()
	prev, ok := g.prox[workerID]
	g.prox[workerID] = next
	g.mu.Unlock()

	if ok && prev == next {
		return
	}
	log.Info().Str("worker_id", workerID).Str("from", string(prev)).
		Str("to", string(next)).Float64("distance_m", distance).Msg("geofence state changed")
}

// Proximity returns the last observed state for the worker, Unknown when
// the watcher has not sampled yet.
func (g *Guard) Proximity(workerID string) Proximity {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.prox[workerID]; ok {
		return p
	}
	return Unknown
}
