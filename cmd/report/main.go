package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"

	"github.com/PatchLens/go-span-lens/span"
)

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC)

	reportJsonFile := flag.String("json", "spanreport.json", "Transform report to read")
	reportChartsFile := flag.String("charts", "spanreport.png", "File to output transform overview chart image")
	flag.Parse()

	data, err := os.ReadFile(*reportJsonFile)
	if err != nil {
		log.Fatalf("%sFailed to read report: %v", span.ErrorLogPrefix, err)
	}
	var report span.Report
	if err := json.Unmarshal(data, &report); err != nil {
		log.Fatalf("%sFailed to unmarshal report: %v", span.ErrorLogPrefix, err)
	}

	charts, err := span.RenderReportCharts(report)
	if err != nil {
		log.Fatalf("%sFailed to render charts: %v", span.ErrorLogPrefix, err)
	}
	if err = os.WriteFile(*reportChartsFile, charts, 0644); err != nil {
		log.Fatalf("%sFailed to write chart file: %v", span.ErrorLogPrefix, err)
	}
	log.Println("Report file wrote: " + *reportChartsFile)
}
