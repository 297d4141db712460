package pipeline

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/sells-group/cropsoil/internal/boundary"
	"github.com/sells-group/cropsoil/internal/model"
	"github.com/sells-group/cropsoil/internal/soilgrids"
)

// Downloader fetches a state's SoilGrids coverages.
type Downloader interface {
	DownloadState(ctx context.Context, dir, gid string, bbox soilgrids.BBox, coverages []soilgrids.Coverage) (soilgrids.StateResult, error)
}

// StateBBox returns the geographic extent of a state's counties.
func StateBBox(g boundary.Group) soilgrids.BBox {
	box := soilgrids.BBox{West: math.Inf(1), South: math.Inf(1), East: math.Inf(-1), North: math.Inf(-1)}
	for _, c := range g.Counties {
		w, s, e, n := boundary.Bounds(c.Geometry)
		box.West = math.Min(box.West, w)
		box.South = math.Min(box.South, s)
		box.East = math.Max(box.East, e)
		box.North = math.Max(box.North, n)
	}
	return box
}

// Download fetches SoilGrids coverages for each configured state into dir.
// States run one at a time so the shared rate limit and circuit breaker see
// a single stream of requests.
func (p *Pipeline) Download(ctx context.Context, client Downloader, dir string) (*Report, error) {
	groups, err := p.groups()
	if err != nil {
		return nil, err
	}
	tr, err := p.begin(ctx, model.StageDownload)
	if err != nil {
		return nil, err
	}

	for _, g := range groups {
		if ctx.Err() != nil {
			tr.log.Warn("download interrupted", zap.String("next_state", g.StateGID), zap.Error(ctx.Err()))
			break
		}
		start := p.clock.Now()
		res, err := client.DownloadState(ctx, dir, g.StateGID, StateBBox(g), p.cfg.SoilGrids.Coverages)
		o := model.Outcome{State: g.StateGID, Duration: tr.since(start)}
		switch {
		case err != nil:
			o.Status = model.UnitFailed
			o.Err = err
		case len(res.Written) == 0:
			o.Status = model.UnitSkipped
			o.Reason = model.ReasonExists
		default:
			o.Status = model.UnitSucceeded
		}
		tr.log.Debug("state coverages",
			zap.String("state", g.StateGID),
			zap.Int("written", len(res.Written)),
			zap.Int("skipped", len(res.Skipped)),
			zap.Int64("bytes", res.Bytes),
		)
		tr.record(ctx, o)
	}
	return tr.finish(ctx)
}
