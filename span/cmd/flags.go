package cmd

import (
	"errors"
	"flag"
	"go/build"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultRangesFile is where the companion editor extension keeps its
// range list, relative to the working directory.
const DefaultRangesFile = ".vscode/span_ranges.json"

// CustomFlag defines a custom CLI option.
type CustomFlag struct {
	Name         string
	DefaultValue any
	Usage        string
	Type         string // "string", "int", "bool"
}

// Options holds the spanlens CLI configuration.
type Options struct {
	ScriptPath string   // target program source file, empty only in transform-all mode
	ScriptArgs []string // arguments passed through to the program

	RangesFile    string   // editor ranges JSON
	ConfigFile    string   // full instrumentation config JSON, empty when unused
	GuardTemplate string   // guard template applied to editor ranges, empty for the default
	GuardImports  []string // imports accompanying a custom guard template

	TransformOnly bool
	OutputPath    string // transformed output file, or directory in transform-all mode

	CacheDir         string
	ReportJsonFile   string
	ReportChartsFile string
	LogDiff          bool

	Gopath     string
	Gomodcache string

	CustomFlags map[string]string
}

// ParseFlags builds Options from standard and custom flags.
func ParseFlags(customFlags []CustomFlag) (*Options, error) {
	options := &Options{CustomFlags: make(map[string]string)}

	// Define all standard flags
	rangesFile := flag.String("ranges", DefaultRangesFile, "Path to the editor extension ranges file")
	configFile := flag.String("config", "", "Path to a full instrumentation config JSON file")
	guardTemplate := flag.String("guard", "", "Guard template applied to editor ranges, one %q verb receives the range name")
	guardImports := flag.String("imports", "", "Comma separated imports required by a custom guard template")
	transformOnly := flag.Bool("transform-only", false, "Only transform the code without running it")
	outputPath := flag.String("output", "", "Output path for transformed code (required with -transform-only)")
	cacheDir := flag.String("cache", "", "Directory for the persistent transform cache, empty to disable")
	reportJsonFile := flag.String("report", "", "File to output transform details")
	reportChartsFile := flag.String("charts", "", "File to output transform overview chart image")
	logDiff := flag.Bool("diff", false, "Log a unified diff of every transformed file")

	// Define custom flags
	customPtrs := make(map[string]interface{})
	for _, cf := range customFlags {
		switch cf.Type {
		case "string":
			customPtrs[cf.Name] = flag.String(cf.Name, cf.DefaultValue.(string), cf.Usage)
		case "int":
			customPtrs[cf.Name] = flag.Int(cf.Name, cf.DefaultValue.(int), cf.Usage)
		case "bool":
			customPtrs[cf.Name] = flag.Bool(cf.Name, cf.DefaultValue.(bool), cf.Usage)
		}
	}

	flag.Parse()

	// Validate standard flags
	if *transformOnly && *outputPath == "" {
		return nil, errors.New("-output is required when using -transform-only")
	} else if !*transformOnly && flag.NArg() == 0 {
		return nil, errors.New("run usage: spanlens [flags] script.go [args...]\ntransform usage: spanlens -transform-only -output out.go script.go\ntransform all usage: spanlens -transform-only -output outdir/")
	}

	// Populate options
	if flag.NArg() > 0 {
		options.ScriptPath = flag.Arg(0)
		options.ScriptArgs = flag.Args()[1:]
	}
	options.RangesFile = *rangesFile
	options.ConfigFile = *configFile
	options.GuardTemplate = *guardTemplate
	options.GuardImports = splitImports(*guardImports)
	options.TransformOnly = *transformOnly
	options.OutputPath = *outputPath
	options.CacheDir = *cacheDir
	options.ReportJsonFile = *reportJsonFile
	options.ReportChartsFile = *reportChartsFile
	options.LogDiff = *logDiff

	// Populate custom flags - convert all to strings for ease of use
	for name, ptr := range customPtrs {
		switch v := ptr.(type) {
		case *string:
			options.CustomFlags[name] = *v
		case *int:
			options.CustomFlags[name] = strconv.Itoa(*v)
		case *bool:
			options.CustomFlags[name] = strconv.FormatBool(*v)
		}
	}

	setupEnvironment(options)
	return options, nil
}

func splitImports(s string) []string {
	if s == "" {
		return nil
	}
	var imports []string
	for _, imp := range strings.Split(s, ",") {
		if imp = strings.TrimSpace(imp); imp != "" {
			imports = append(imports, imp)
		}
	}
	return imports
}

// setupEnvironment resolves GOPATH and GOMODCACHE for the build backend.
// Unlike the toolchain itself these may be empty, the backend inherits the
// process environment either way.
func setupEnvironment(o *Options) {
	o.Gopath = build.Default.GOPATH
	o.Gomodcache = os.Getenv("GOMODCACHE")
	if o.Gomodcache == "" && o.Gopath != "" {
		o.Gomodcache = filepath.Join(o.Gopath, "pkg", "mod")
	}
}
