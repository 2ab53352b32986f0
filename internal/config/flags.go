package config

import "flag"

var (
	flagConfig     = flag.String("config", "", "Path to config file")
	flagDebug      = flag.Bool("debug", false, "Enable debug logging")
	flagRadius     = flag.Float64("radius", 0, "Sphere radius")
	flagMaxLevel   = flag.Int("max-level", 0, "Maximum subdivision level")
	flagFrames     = flag.Int("frames", 0, "Number of frames to simulate")
	flagWorkers    = flag.Int("workers", 0, "Build worker count")
	flagLegacy     = flag.Bool("legacy", false, "Force the unbatched build path")
	flagMetrics    = flag.String("metrics-addr", "", "Serve prometheus metrics on this address")
	flagSnapshot   = flag.String("snapshot", "", "Write a quadtree snapshot to this path")
	flagHeightMap  = flag.String("height-map", "", "Height map image (tga, png, bmp, tiff)")
	flagFrameLimit = flag.Duration("frame-budget", 0, "Per-frame subdivision time budget")
)

// ParseFlags parses command-line flags. Call this early in main().
func ParseFlags() {
	flag.Parse()
}

// ConfigPath returns the explicit config path if provided via --config flag.
func ConfigPath() string {
	return *flagConfig
}

// applyFlags applies CLI flag overrides to the config.
func applyFlags(cfg *Config) {
	if *flagDebug {
		cfg.Logging.Level = "debug"
	}
	if *flagRadius > 0 {
		scale := *flagRadius / cfg.Sphere.Radius
		cfg.Sphere.Radius = *flagRadius
		cfg.Sphere.MinRadius *= scale
		cfg.Sphere.MaxRadius *= scale
	}
	if *flagMaxLevel > 0 {
		cfg.Sphere.MaxLevel = *flagMaxLevel
	}
	if *flagFrames > 0 {
		cfg.Simulation.Frames = *flagFrames
	}
	if *flagWorkers > 0 {
		cfg.Build.Workers = *flagWorkers
	}
	if *flagLegacy {
		cfg.Build.ForceLegacy = true
	}
	if *flagMetrics != "" {
		cfg.Metrics.Addr = *flagMetrics
	}
	if *flagSnapshot != "" {
		cfg.Snapshot.Path = *flagSnapshot
	}
	if *flagHeightMap != "" {
		cfg.Simulation.HeightMap = *flagHeightMap
	}
	if *flagFrameLimit > 0 {
		cfg.Sphere.FrameBudget = *flagFrameLimit
	}
}
