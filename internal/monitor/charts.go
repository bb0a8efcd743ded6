package monitor

import (
	"bytes"
	"fmt"
	"image/color"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/scanloc/internal/geom"
	"github.com/banshee-data/scanloc/internal/mappub"
)

// maxChartPoints bounds the number of cells drawn in the map chart.
const maxChartPoints = 20000

// occupiedPoints returns the world centres of occupied cells, keeping every
// stride-th one.
func occupiedPoints(grid *mappub.OccupancyGrid, stride int) []geom.Point2 {
	if stride < 1 {
		stride = 1
	}
	res := grid.Info.Resolution
	ox := grid.Info.Origin.Position.X + res/2
	oy := grid.Info.Origin.Position.Y + res/2
	var pts []geom.Point2
	n := 0
	for i, v := range grid.Data {
		if v != mappub.CellOccupied {
			continue
		}
		if n%stride == 0 {
			col := i % grid.Info.Width
			row := i / grid.Info.Width
			pts = append(pts, geom.Point2{X: float64(col)*res + ox, Y: float64(row)*res + oy})
		}
		n++
	}
	return pts
}

// handleMapChart renders the occupied cells of a map level with the current
// pose using go-echarts.
// Query params:
//
//	level (optional, default 0)
func (ws *WebServer) handleMapChart(w http.ResponseWriter, r *http.Request) {
	level, err := levelParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	grid, ok := ws.maps.Latest(level)
	if !ok {
		http.Error(w, fmt.Sprintf("no map for level %d", level), http.StatusNotFound)
		return
	}

	occupied := grid.OccupiedCount()
	stride := occupied/maxChartPoints + 1
	cells := occupiedPoints(&grid, stride)
	data := make([]opts.ScatterData, 0, len(cells))
	for _, p := range cells {
		data = append(data, opts.ScatterData{Value: []interface{}{p.X, p.Y}})
	}

	ox, oy := grid.Info.Origin.Position.X, grid.Info.Origin.Position.Y
	width := float64(grid.Info.Width) * grid.Info.Resolution
	height := float64(grid.Info.Height) * grid.Info.Resolution

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Localizer Map", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "Occupied Cells", Subtitle: fmt.Sprintf("level=%d cells=%d stride=%d res=%gm", level, occupied, stride, grid.Info.Resolution)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: ox, Max: ox + width, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: oy, Max: oy + height, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("occupied", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 2}))

	if u, _, ok := ws.state.Pose(); ok {
		pose := []opts.ScatterData{{Value: []interface{}{u.Pose.X, u.Pose.Y}}}
		scatter.AddSeries("pose", pose, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 12}))
	}

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		http.Error(w, "failed to render chart", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

func toXYs(pts []geom.Point2) plotter.XYs {
	xys := make(plotter.XYs, len(pts))
	for i, p := range pts {
		xys[i].X = p.X
		xys[i].Y = p.Y
	}
	return xys
}

// relocalizationPlot draws the saved map points with the scan placed at the
// guessed and corrected poses.
func relocalizationPlot(saved, guess, corrected []geom.Point2) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Relocalization"
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"

	series := []struct {
		name   string
		pts    []geom.Point2
		colour color.Color
		radius vg.Length
	}{
		{"saved map", saved, color.RGBA{R: 120, G: 120, B: 120, A: 255}, vg.Points(1)},
		{"guess", guess, color.RGBA{R: 220, G: 50, B: 47, A: 255}, vg.Points(1.5)},
		{"corrected", corrected, color.RGBA{R: 38, G: 139, B: 210, A: 255}, vg.Points(1.5)},
	}
	for _, s := range series {
		if len(s.pts) == 0 {
			continue
		}
		sc, err := plotter.NewScatter(toXYs(s.pts))
		if err != nil {
			return nil, fmt.Errorf("%s scatter: %w", s.name, err)
		}
		sc.GlyphStyle.Color = s.colour
		sc.GlyphStyle.Radius = s.radius
		p.Add(sc)
		p.Legend.Add(s.name, sc)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// handleRelocalizationPlot renders the last relocalization as a PNG.
func (ws *WebServer) handleRelocalizationPlot(w http.ResponseWriter, r *http.Request) {
	d, ok := ws.state.Diagnostic()
	if !ok {
		http.Error(w, "no relocalization yet", http.StatusNotFound)
		return
	}
	p, err := relocalizationPlot(d.Saved, d.Guess, d.Corrected)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	wt, err := p.WriterTo(8*vg.Inch, 8*vg.Inch, "png")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		http.Error(w, "failed to render plot", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(buf.Bytes())
}
