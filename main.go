package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/kwv/robustfit/dataset"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions carries the command line into the App.
type AppOptions struct {
	ConfigFile    string
	DataFile      string
	Method        string
	GeoJSONFile   string
	RenderFile    string
	HistogramFile string
	LogLevel      string
	Serve         bool
	HTTPPort      int
}

// Runner is what run drives; App implements it.
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunEstimate() error
	RunService(ctx context.Context) error
}

func main() {
	err := run(os.Args[1:], os.Stdout, NewApp(os.Stdout))
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "robustfit: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer, app Runner) error {
	fs := pflag.NewFlagSet("robustfit", pflag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVarP(&opts.ConfigFile, "config", "c", "", "Path to YAML configuration file")
	fs.StringVarP(&opts.DataFile, "data", "d", "", "Path or http(s) URL of a JSON correspondence dataset")
	fs.StringVarP(&opts.Method, "method", "m", "", "Robust method: ransac, lmeds, msac, prosac or promeds (overrides config)")
	fs.StringVar(&opts.GeoJSONFile, "geojson", "", "Write the inlier report as GeoJSON to this file")
	fs.StringVar(&opts.RenderFile, "render", "", "Write the inlier scatter plot (.svg or .png)")
	fs.StringVar(&opts.HistogramFile, "histogram", "", "Write the residual histogram (.svg or .png)")
	fs.StringVar(&opts.LogLevel, "log-level", "info", "Log level: debug, info, warn or error")
	fs.BoolVar(&opts.Serve, "serve", false, "Run the HTTP service")
	fs.IntVar(&opts.HTTPPort, "http-port", 0, fmt.Sprintf("HTTP server port (default from config, else %d)", dataset.DefaultHTTPPort))
	version := fs.BoolP("version", "v", false, "Print the version and exit")

	fs.Usage = func() {
		fmt.Fprintf(out, "Usage of robustfit:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "robustfit version: %s\n", Version)
	if *version {
		return nil
	}

	app.ApplyOptions(opts)

	if opts.Serve {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return app.RunService(ctx)
	}

	if opts.DataFile == "" {
		fs.Usage()
		return errors.New("--data is required unless --serve is set")
	}
	return app.RunEstimate()
}
