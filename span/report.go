package span

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-analyze/charts"
	"github.com/pmezard/go-difflib/difflib"
)

const reportTableMaxRecords = 10

// chart color constants
var greenTextColor = charts.ColorGreenAlt3
var orangeTextColor = charts.ColorOrangeAlt1.WithAdjustHSL(0, .2, 0)
var redTextColor = charts.ColorRed.WithAdjustHSL(0, .1, -.1)

// FileReport captures the transform outcome for one source file.
type FileReport struct {
	Path        string         `json:"path"`
	Transformed bool           `json:"transformed"`
	Stats       TransformStats `json:"stats"`
	Diff        string         `json:"diff,omitempty"`
}

// NewFileReport builds the report entry for one file, including a unified
// diff whenever the transform changed the source.
func NewFileReport(path string, original, transformed []byte, stats *TransformStats) FileReport {
	report := FileReport{Path: path}
	if stats != nil {
		report.Stats = *stats
		report.Transformed = stats.Changed()
	}
	if report.Transformed {
		if diff, err := DiffSource(path, original, transformed); err == nil {
			report.Diff = diff
		}
	}
	return report
}

// Report aggregates the transform outcomes of a driver run.
type Report struct {
	GeneratedAt time.Time      `json:"generated_at"`
	RunDuration int64          `json:"run_ms"`
	Totals      TransformStats `json:"totals"`
	Files       []FileReport   `json:"files"`
	// ProgramOutput holds the tail of the program's combined output when
	// the run captured it.
	ProgramOutput string `json:"program_output,omitempty"`
}

// NewReport sums per-file statistics into run totals.
func NewReport(startTime time.Time, files []FileReport) Report {
	report := Report{
		GeneratedAt: startTime,
		RunDuration: time.Since(startTime).Milliseconds(),
		Files:       files,
	}
	for _, f := range files {
		report.Totals.EventsApplied += f.Stats.EventsApplied
		report.Totals.EventsSkipped += f.Stats.EventsSkipped
		report.Totals.RangesApplied += f.Stats.RangesApplied
		report.Totals.RangesSkipped += f.Stats.RangesSkipped
		report.Totals.RangesUnmatched += f.Stats.RangesUnmatched
		report.Totals.Warnings = append(report.Totals.Warnings, f.Stats.Warnings...)
	}
	return report
}

// WriteToFile writes the report as indented JSON. An empty path is a no-op
// so callers can pass an unset flag value straight through.
func (r Report) WriteToFile(path string) error {
	if path == "" {
		return nil
	}

	encodedReport, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report failed: %w", err)
	}
	if err := os.WriteFile(path, encodedReport, 0644); err != nil {
		return fmt.Errorf("write report file failed: %w", err)
	}
	return nil
}

// DiffSource returns a unified diff between the original and transformed
// renditions of path, empty when the two match.
func DiffSource(path string, original, transformed []byte) (string, error) {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(original)),
		B:        difflib.SplitLines(string(transformed)),
		FromFile: path,
		ToFile:   path + " (instrumented)",
		Context:  2,
	}
	return difflib.GetUnifiedDiffString(diff)
}

// WriteReportCharts renders the report to an image file, with the format
// chosen by the path extension (png, jpg, svg).
func WriteReportCharts(path string, report Report) error {
	var outputType string
	if strings.HasSuffix(path, ".png") {
		outputType = charts.ChartOutputPNG
	} else if strings.HasSuffix(path, ".jpg") || strings.HasSuffix(path, ".jpeg") {
		outputType = charts.ChartOutputJPG
	} else if strings.HasSuffix(path, ".svg") {
		outputType = charts.ChartOutputSVG
	} else {
		return fmt.Errorf("unhandled chart file type: %s", path)
	}

	painterOpt := charts.PainterOptions{
		OutputFormat: outputType,
		Width:        1024,
		Height:       1024,
	}
	if buf, err := renderReportCharts(painterOpt, report); err != nil {
		return fmt.Errorf("render charts failed: %w", err)
	} else if err = os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("write chart file failed: %w", err)
	}
	return nil
}

// RenderReportCharts renders the report to a png.
func RenderReportCharts(report Report) ([]byte, error) {
	painterOpt := charts.PainterOptions{
		OutputFormat: charts.ChartOutputPNG,
		Width:        1024,
		Height:       768,
	}
	return renderReportCharts(painterOpt, report)
}

func renderReportCharts(painterOpt charts.PainterOptions, report Report) ([]byte, error) {
	p := charts.NewPainter(painterOpt)
	if chartBox, err := renderChartsToPainter(p, report); err != nil {
		return nil, err
	} else if chartBox.Height() < p.Height()-128 || chartBox.Height() > p.Height() {
		// re-render with a smaller painter to better fit the charts
		painterOpt.Height = chartBox.Height()
		p = charts.NewPainter(painterOpt)
		if _, err := renderChartsToPainter(p, report); err != nil {
			return nil, err
		}
	}
	return p.Bytes()
}

func renderChartsToPainter(p *charts.Painter, report Report) (charts.Box, error) {
	totalEvents := report.Totals.EventsApplied + report.Totals.EventsSkipped
	totalRanges := report.Totals.RangesApplied + report.Totals.RangesSkipped + report.Totals.RangesUnmatched
	var changedFiles int
	for _, f := range report.Files {
		if f.Transformed {
			changedFiles++
		}
	}

	const chartPadding = 10
	resultBox := charts.NewBoxEqual(0)
	resultBox.Right = p.Width()
	p.FilledRect(0, 0, p.Width(), p.Height(), charts.ColorWhite, charts.ColorWhite, 0)
	p = p.Child(charts.PainterPaddingOption(charts.NewBox(0, chartPadding, chartPadding, chartPadding)))

	title := fmt.Sprintf("Instrumentation: %d/%d files transformed", changedFiles, len(report.Files))
	titleFont := charts.FontStyle{
		FontSize:  16,
		FontColor: charts.ColorBlack,
		Font:      charts.GetDefaultFont(),
	}
	titleBox := p.MeasureText(title, 0, titleFont)
	// title rendered after the charts to ensure it does not get clipped
	titleBottom := titleBox.Height()
	resultBox.Bottom += titleBottom

	// Use layout builder API to create painters for each chart
	const middleUpShift = "-40" // overlap amount between rows
	painters, err := p.LayoutByRows().
		RowGap(strconv.Itoa(titleBottom)).
		Row().Height("128").Columns("topLeft", "topRight").
		Row().Height("112").RowOffset(middleUpShift).Columns("middle").
		Row().Columns("bottom"). // single large painter at the bottom with all remaining space
		Build()
	if err != nil {
		return resultBox, fmt.Errorf("error building chart layout: %w", err)
	}
	topLeft := painters["topLeft"]
	topRight := painters["topRight"]
	middle := painters["middle"]
	bottom := painters["bottom"]

	barGaugeThemeGreenRed := charts.GetTheme(charts.ThemeLight).
		WithBackgroundColor(charts.ColorTransparent).
		WithSeriesColors([]charts.Color{
			charts.ColorGreenAlt1,
			charts.ColorRed,
		})
	barGaugeThemeGreenYellowRed := charts.GetTheme(charts.ThemeLight).
		WithBackgroundColor(charts.ColorTransparent).
		WithSeriesColors([]charts.Color{
			charts.ColorGreenAlt1,
			{ /* Golden yellow */ R: 220, G: 210, B: 100, A: 255},
			charts.ColorRed,
		})

	topLeftOpt := charts.NewHorizontalBarChartOptionWithData([][]float64{
		{float64(report.Totals.EventsApplied)}, {float64(report.Totals.EventsSkipped)},
	})
	topLeftOpt.StackSeries = charts.Ptr(true)
	topLeftOpt.Theme = barGaugeThemeGreenRed
	topLeftOpt.Title.Text = "Events Applied"
	topLeftOpt.XAxis.Unit = axisUnitForMax(totalEvents)
	topLeftOpt.YAxis.Show = charts.Ptr(false)
	topLeftOpt.SeriesList[1].Label.Show = charts.Ptr(true)
	topLeftOpt.SeriesList[1].Label.FontStyle.FontColor = firstValueSeriesRankColor(topLeftOpt.Theme, topLeftOpt.SeriesList)
	topLeftOpt.SeriesList[1].Label.ValueFormatter =
		appliedPercentFormatter(report.Totals.EventsApplied, totalEvents)
	if err := topLeft.HorizontalBarChart(topLeftOpt); err != nil {
		return resultBox, fmt.Errorf("error rendering chart: %w", err)
	}

	topRightOpt := charts.NewHorizontalBarChartOptionWithData([][]float64{
		{float64(report.Totals.RangesApplied)},   // wrapped
		{float64(report.Totals.RangesUnmatched)}, // matched nothing
		{float64(report.Totals.RangesSkipped)},   // guard failures
	})
	topRightOpt.StackSeries = charts.Ptr(true)
	topRightOpt.Theme = barGaugeThemeGreenYellowRed
	topRightOpt.Title.Text = "Ranges Wrapped"
	topRightOpt.XAxis.Unit = axisUnitForMax(totalRanges)
	topRightOpt.YAxis.Show = charts.Ptr(false)
	topRightOpt.SeriesList[2].Label.Show = charts.Ptr(true)
	topRightOpt.SeriesList[2].Label.FontStyle.FontColor = firstValueSeriesRankColor(topRightOpt.Theme, topRightOpt.SeriesList)
	topRightOpt.SeriesList[2].Label.ValueFormatter =
		appliedPercentFormatter(report.Totals.RangesApplied, totalRanges)
	if err := topRight.HorizontalBarChart(topRightOpt); err != nil {
		return resultBox, fmt.Errorf("error rendering chart: %w", err)
	}

	resultBox.Bottom += max(topLeft.Height(), topRight.Height())

	middleOpt := charts.NewHorizontalBarChartOptionWithData([][]float64{
		{float64(changedFiles)}, {float64(len(report.Files) - changedFiles)},
	})
	middleOpt.StackSeries = charts.Ptr(true)
	middleOpt.Theme = barGaugeThemeGreenYellowRed
	middleOpt.Title.Text = "Files Transformed"
	middleOpt.XAxis.Show = charts.Ptr(false) // absolute number is fairly arbitrary
	middleOpt.YAxis.Show = charts.Ptr(false)
	middleOpt.BarHeight = 22
	middleOpt.SeriesList[1].Label.Show = charts.Ptr(true)
	middleOpt.SeriesList[1].Label.FontStyle.FontColor = firstValueSeriesRankColor(middleOpt.Theme, middleOpt.SeriesList)
	middleOpt.SeriesList[1].Label.ValueFormatter =
		appliedPercentFormatter(changedFiles, len(report.Files))
	if err := middle.HorizontalBarChart(middleOpt); err != nil {
		return resultBox, fmt.Errorf("error rendering chart: %w", err)
	}

	resultBox.Bottom += middle.Height()

	var fileRows [][]string
	for _, f := range report.Files {
		if !f.Transformed && len(f.Stats.Warnings) == 0 {
			continue
		}
		var note string
		if len(f.Stats.Warnings) > 0 {
			note = f.Stats.Warnings[0]
			if len(f.Stats.Warnings) > 1 {
				note += fmt.Sprintf(" (+%d more)", len(f.Stats.Warnings)-1)
			}
			if len(note) > 66 {
				note = note[:64] + ".."
			}
		}
		fileRows = append(fileRows, []string{
			f.Path,
			strconv.Itoa(f.Stats.EventsApplied),
			strconv.Itoa(f.Stats.RangesApplied),
			strconv.Itoa(len(f.Stats.Warnings)),
			note,
		})
	}
	if len(fileRows) == 0 {
		text := "No Files Instrumented"
		textBox := bottom.MeasureText(text, 0, titleFont)
		bottom.Text(text, (bottom.Width()-textBox.Width())/2, bottom.Height()/2, 0, titleFont)
		resultBox.Bottom += textBox.Height() * 2
	} else {
		slices.SortFunc(fileRows, func(a, b []string) int {
			aWarn, _ := strconv.Atoi(a[3])
			bWarn, _ := strconv.Atoi(b[3])
			if aWarn != bWarn { // files with warnings first
				return bWarn - aWarn
			}

			aCount, _ := strconv.Atoi(a[1])
			bCount, _ := strconv.Atoi(b[1])
			if aCount != bCount { // most events applied second
				return bCount - aCount
			}

			return strings.Compare(a[0], b[0])
		})
		if len(fileRows) > reportTableMaxRecords {
			fileRows = fileRows[:reportTableMaxRecords]
		}
		tableTitle := "Instrumented Files"
		tableTitleFont := charts.FontStyle{
			FontSize:  12,
			FontColor: barGaugeThemeGreenRed.GetTitleTextColor(),
			Font:      charts.GetDefaultFont(),
		}
		tableTitleBox := bottom.MeasureText(tableTitle, 0, tableTitleFont)
		bottom.Text(tableTitle, 10, tableTitleBox.Height(), 0, tableTitleFont)
		rowColors := []charts.Color{
			{R: 240, G: 240, B: 240, A: 255},
			charts.ColorTransparent,
		}
		if len(fileRows)%2 == 0 {
			// reverse row colors so table end is opposite of transparent
			rowColors[0], rowColors[1] = rowColors[1], rowColors[0]
		}
		defaultCellFontStyle := charts.FontStyle{
			FontSize:  12,
			FontColor: charts.Color{R: 50, G: 50, B: 50, A: 255},
			Font:      charts.GetDefaultFont(),
		}
		bottomOpt := charts.TableChartOption{
			Header:                []string{"File", "Events", "Ranges", "Warnings", "First Warning"},
			Data:                  fileRows,
			HeaderBackgroundColor: charts.Color{R: 210, G: 210, B: 210, A: 255},
			RowBackgroundColors:   rowColors,
			Padding:               charts.NewBoxEqual(10),
			Spans:                 []int{22, 6, 6, 8, 26},
			TextAligns: []string{charts.AlignLeft, charts.AlignCenter, charts.AlignCenter,
				charts.AlignCenter, charts.AlignLeft},
			CellModifier: func(cell charts.TableCell) charts.TableCell {
				if cell.Row == 0 {
					return cell
				}
				cell.FontStyle = defaultCellFontStyle // reset on each call to prevent prior changes persisting

				switch cell.Column {
				case 3: // warning count
					if cell.Text == "0" {
						cell.FontStyle.FontColor = greenTextColor
					} else if len(cell.Text) < 2 { // less than 10
						cell.FontStyle.FontColor = orangeTextColor
					} else {
						cell.FontStyle.FontColor = redTextColor
					}
				case 4: // warning text
					cell.FontStyle.FontSize = 8
				}
				return cell
			},
		}
		tablePainter := bottom.Child(charts.PainterPaddingOption(charts.NewBox(10, tableTitleBox.Height()+8, 0, 0)))
		if err := tablePainter.TableChart(bottomOpt); err != nil {
			return resultBox, fmt.Errorf("error rendering table: %w", err)
		}
		// re-render just so we can calculate the height of the table, currently charts does not return the table sizes
		bottomOpt.Width = bottom.Width()
		if p, _ := charts.TableOptionRenderDirect(bottomOpt); p != nil {
			resultBox.Bottom += tableTitleBox.Height() + p.Height()
		} else {
			resultBox.Bottom += bottom.Height()
		}
	}

	// render the final chart extras
	p.Text(title, (p.Width()/2)-(titleBox.Width()/2), titleBox.Height(), 0, titleFont)
	return resultBox, nil
}

// appliedPercentFormatter labels a stacked gauge with the applied share of
// total, avoiding a spurious 100% whenever anything was skipped.
func appliedPercentFormatter(applied, total int) func(float64) string {
	return func(float64) string {
		if total == 0 {
			return "100%"
		}
		percent := 100.0 * float64(applied) / float64(total)
		if applied < total && percent > 99.9 {
			percent = 99.9
		}
		return charts.FormatValueHumanize(percent, 1, false) + "%"
	}
}

func firstValueSeriesRankColor(theme charts.ColorPalette, sl charts.HorizontalBarSeriesList) charts.Color {
	sum := sl.SumSeriesValues()
	if sl[0].Values[0] < sum[0]/2 {
		return redTextColor
	} else if sl[0].Values[0] < sum[0]*.8 {
		return orangeTextColor
	} else {
		return theme.GetLabelTextColor()
	}
}

func axisUnitForMax(val int) float64 {
	if val >= 8000 {
		return 2000
	} else if val > 2000 {
		return 1000
	} else if val >= 800 {
		return 200
	} else if val > 200 {
		return 100
	} else if val >= 80 {
		return 20
	} else if val > 20 {
		return 10
	} else if val >= 10 {
		return 2
	} else {
		return 1
	}
}
