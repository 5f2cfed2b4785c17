// Package chart renders Levey-Jennings charts as standalone HTML pages.
package chart

import (
	"bytes"
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/labqc-server/internal/domain"
)

const (
	controlColor = "rgba(217, 83, 79, 0.7)"
	warningColor = "rgba(240, 173, 78, 0.7)"
	meanColor    = "rgba(92, 184, 92, 0.8)"
	rejectColor  = "#d9534f"
	warnColor    = "#f0ad4e"
	dateLayout   = "2006-01-02 15:04"
)

// LeveyJennings builds the chart for data: the run values in run-date order, the mean
// with ±2SD warning and ±3SD control limits, and warn/reject runs highlighted.
func LeveyJennings(data *domain.LeveyJenningsData) *charts.Line {
	title := fmt.Sprintf("%s on %s", data.TestCode, data.MaterialID)
	subtitle := fmt.Sprintf("n=%d", data.N)
	if data.Source != "" {
		subtitle += fmt.Sprintf(", %s target", data.Source)
	}
	if data.Note != "" {
		subtitle = data.Note
	}

	line := charts.NewLine()
	yAxis := opts.YAxis{Name: "value", Scale: opts.Bool(true)}
	if l := data.Limits; l != nil && l.SD > 0 {
		yAxis.Min = l.Mean - 4*l.SD
		yAxis.Max = l.Mean + 4*l.SD
	}
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Levey-Jennings " + title}),
		charts.WithTitleOpts(opts.Title{
			Title:    title,
			Subtitle: subtitle,
		}),
		charts.WithTooltipOpts(opts.Tooltip{
			Show:    opts.Bool(true),
			Trigger: "axis",
		}),
		charts.WithLegendOpts(opts.Legend{
			Show: opts.Bool(true),
		}),
		charts.WithYAxisOpts(yAxis),
	)

	xAxis := make([]string, 0, len(data.Points))
	values := make([]opts.LineData, 0, len(data.Points))
	warned := make([]opts.LineData, 0, len(data.Points))
	rejected := make([]opts.LineData, 0, len(data.Points))
	for _, p := range data.Points {
		xAxis = append(xAxis, p.RunDate.UTC().Format(dateLayout))
		values = append(values, opts.LineData{Name: p.RunID, Value: p.Value})
		warned = append(warned, highlight(p, domain.RunWarn))
		rejected = append(rejected, highlight(p, domain.RunReject))
	}

	valueOpts := []charts.SeriesOpts{
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)}),
	}
	warnOpts := []charts.SeriesOpts{
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)}),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: warnColor}),
		charts.WithLineStyleOpts(opts.LineStyle{Width: 0}),
	}
	rejectOpts := []charts.SeriesOpts{
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)}),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: rejectColor}),
		charts.WithLineStyleOpts(opts.LineStyle{Width: 0}),
	}
	// Each band rides on its own series so the colours stay distinct.
	if l := data.Limits; l != nil {
		valueOpts = append(valueOpts, markLines(meanColor,
			opts.MarkLineNameYAxisItem{Name: "mean", YAxis: l.Mean}))
		warnOpts = append(warnOpts, markLines(warningColor,
			opts.MarkLineNameYAxisItem{Name: "+2SD", YAxis: l.UWL},
			opts.MarkLineNameYAxisItem{Name: "-2SD", YAxis: l.LWL}))
		rejectOpts = append(rejectOpts, markLines(controlColor,
			opts.MarkLineNameYAxisItem{Name: "+3SD", YAxis: l.UCL},
			opts.MarkLineNameYAxisItem{Name: "-3SD", YAxis: l.LCL}))
	}

	line.SetXAxis(xAxis).
		AddSeries("value", values, valueOpts...).
		AddSeries("warn", warned, warnOpts...).
		AddSeries("reject", rejected, rejectOpts...)
	return line
}

// Render writes the chart page for data to w.
func Render(w io.Writer, data *domain.LeveyJenningsData) error {
	return LeveyJennings(data).Render(w)
}

// HTML returns the chart page for data.
func HTML(data *domain.LeveyJenningsData) ([]byte, error) {
	var buf bytes.Buffer
	if err := Render(&buf, data); err != nil {
		return nil, fmt.Errorf("rendering levey-jennings chart: %w", err)
	}
	return buf.Bytes(), nil
}

// highlight keeps the value of runs with the given disposition and blanks the rest.
func highlight(p domain.DataPoint, status domain.RunStatus) opts.LineData {
	if p.Status != status {
		return opts.LineData{Value: "-"}
	}
	return opts.LineData{Name: p.RunID, Value: p.Value}
}

// markLines draws horizontal reference lines without arrowheads.
func markLines(color string, items ...opts.MarkLineNameYAxisItem) charts.SeriesOpts {
	data := make([]interface{}, len(items))
	for i, item := range items {
		data[i] = item
	}
	return func(s *charts.SingleSeries) {
		s.MarkLines = &opts.MarkLines{
			Data: data,
			MarkLineStyle: opts.MarkLineStyle{
				Symbol: []string{"none", "none"},
				LineStyle: &opts.LineStyle{
					Color: color,
					Type:  "dashed",
					Width: 1.5,
				},
			},
		}
	}
}
