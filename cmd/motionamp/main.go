// Command motionamp amplifies subtle motion in an image sequence.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/banshee-data/motionamp/internal/amplify"
	"github.com/banshee-data/motionamp/internal/analysis"
	"github.com/banshee-data/motionamp/internal/api"
	"github.com/banshee-data/motionamp/internal/config"
	"github.com/banshee-data/motionamp/internal/engine"
	"github.com/banshee-data/motionamp/internal/frame"
	"github.com/banshee-data/motionamp/internal/runstore"
	"github.com/banshee-data/motionamp/internal/version"
)

var (
	inDir         = flag.String("in", "", "Directory of input frames")
	pattern       = flag.String("pattern", "*.png", "File name pattern for input frames")
	outDir        = flag.String("out", "amplified", "Directory for amplified frames")
	configPath    = flag.String("config", "", "Path to a JSON or YAML config file")
	presetName    = flag.String("preset", "", "Parameter preset (heartbeat, breathing, vibration, structural, micro, plant, thermal, extreme)")
	algorithm     = flag.String("algorithm", "", "Kernel variant: eulerian, lagrangian or hybrid")
	amplification = flag.Float64("amplification", 0, "Amplification factor (1-100)")
	freqLow       = flag.Float64("freq-low", 0, "Lower edge of the motion band in Hz")
	freqHigh      = flag.Float64("freq-high", 0, "Upper edge of the motion band in Hz")
	roiFlag       = flag.String("roi", "", "Region of interest as x,y,width,height")
	useGPU        = flag.Bool("gpu", true, "Prefer the GPU strategy when available")
	useWorkers    = flag.Bool("workers", true, "Allow the background worker strategy")
	dbPath        = flag.String("db", "", "Run history database path (\"-\" disables history)")
	analysisDir   = flag.String("analysis", "", "Write a motion plot, HTML report and CSV into this directory")
	listen        = flag.String("listen", "", "HTTP API listen address")
	grpcListen    = flag.String("grpc", "", "gRPC progress stream listen address")
	serve         = flag.Bool("serve", false, "Keep the API servers running until interrupted")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if *inDir == "" && !*serve {
		log.Fatal("-in is required unless -serve is set")
	}

	cfg := config.Empty()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		log.Printf("Loaded config from %s", *configPath)
	}

	raw, err := buildParams(set)
	if err != nil {
		log.Fatalf("Invalid parameters: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, set, raw); err != nil {
		stop()
		log.Fatalf("motionamp: %v", err)
	}
}

// buildParams turns the parameter flags into a RawParams. Flags the user
// did not set stay nil so config defaults and presets can fill them.
func buildParams(set map[string]bool) (amplify.RawParams, error) {
	var raw amplify.RawParams
	if set["amplification"] {
		raw.Amplification = amplify.Float(*amplification)
	}
	if set["freq-low"] {
		raw.FreqLow = amplify.Float(*freqLow)
	}
	if set["freq-high"] {
		raw.FreqHigh = amplify.Float(*freqHigh)
	}
	if *algorithm != "" {
		raw.Algorithm = amplify.String(*algorithm)
	}
	if *roiFlag != "" {
		roi, err := parseROI(*roiFlag)
		if err != nil {
			return raw, err
		}
		raw.ROI = &roi
	}
	if *presetName != "" {
		p, err := config.LookupPreset(*presetName)
		if err != nil {
			return raw, err
		}
		raw = p.Apply(raw)
	}
	return raw, nil
}

func parseROI(s string) (frame.Rect, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return frame.Rect{}, fmt.Errorf("roi %q: want x,y,width,height", s)
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return frame.Rect{}, fmt.Errorf("roi %q: %w", s, err)
		}
		v[i] = n
	}
	return frame.Rect{X: v[0], Y: v[1], Width: v[2], Height: v[3]}, nil
}

func run(ctx context.Context, cfg *config.Config, set map[string]bool, raw amplify.RawParams) error {
	gpuEnabled := cfg.GetGPUEnabled()
	if set["gpu"] {
		gpuEnabled = *useGPU
	}
	workersEnabled := cfg.GetWorkersEnabled()
	if set["workers"] {
		workersEnabled = *useWorkers
	}

	var gpuStrat *engine.GPUStrategy
	dev, err := openDevice()
	if err != nil {
		log.Printf("GPU unavailable: %v", err)
	} else {
		defer dev.Close()
		gpuStrat = engine.NewGPUStrategy(dev, cfg.GetGPUYieldInterval())
		if err := gpuStrat.InitError(); err != nil {
			log.Printf("GPU pipeline failed to initialise: %v", err)
		}
	}
	caps := engine.DetectCapabilities(dev)
	caps.Workers = caps.Workers && workersEnabled
	log.Printf("Capabilities: gpu=%v workers=%v cpus=%d", caps.GPU, caps.Workers, caps.CPUs)

	var store *runstore.Store
	path := cfg.GetDBPath()
	if *dbPath != "" {
		path = *dbPath
	}
	if path != "-" {
		if store, err = runstore.Open(path); err != nil {
			return fmt.Errorf("failed to open run history: %w", err)
		}
		defer store.Close()
		if _, err := store.MarkInterrupted(); err != nil {
			log.Printf("failed to mark interrupted runs: %v", err)
		}
	}

	defaults := cfg.GetDefaults()
	bcast := engine.NewBroadcaster()
	opts := engine.Options{
		Capabilities:     caps,
		GPU:              gpuStrat,
		GPUEnabled:       gpuEnabled,
		Broadcaster:      bcast,
		Defaults:         &defaults,
		WorkerTimeout:    cfg.GetWorkerTimeout(),
		CPUYieldEvery:    cfg.GetCPUYieldInterval(),
		GPUYieldEvery:    cfg.GetGPUYieldInterval(),
		WorkerYieldEvery: cfg.GetWorkerYieldInterval(),
	}
	if store != nil {
		opts.Recorder = store
	}
	eng := engine.New(opts)
	defer eng.Close()

	if addr := firstNonEmpty(*listen, cfg.GetListen()); addr != "" {
		srv := api.NewServer(eng, runSource(store), cfg)
		if store != nil {
			srv.WithAdmin(store.AttachAdminRoutes)
		}
		mux, err := srv.ServeMux()
		if err != nil {
			return err
		}
		httpServer := &http.Server{Addr: addr, Handler: api.LoggingMiddleware(mux)}
		go func() {
			log.Printf("HTTP API listening on %s", addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("HTTP server error: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Printf("HTTP server shutdown error: %v", err)
			}
		}()
	}

	if addr := firstNonEmpty(*grpcListen, cfg.GetGRPCListen()); addr != "" {
		grpcServer := api.NewGRPCServer(api.NewProgressService(eng, bcast))
		if err := grpcServer.Start(addr); err != nil {
			return fmt.Errorf("failed to start gRPC server: %w", err)
		}
		defer grpcServer.Stop()
	}

	if *inDir != "" {
		if err := processDir(ctx, eng, cfg, caps.GPU && gpuEnabled, raw); err != nil {
			return err
		}
	}

	if *serve {
		log.Printf("Serving until interrupted")
		<-ctx.Done()
	}
	return nil
}

func processDir(ctx context.Context, eng *engine.Engine, cfg *config.Config, withGPU bool, raw amplify.RawParams) error {
	fps := cfg.GetFrameRate()
	limits := cfg.GetCaps(withGPU)
	seq, err := frame.Extract(*inDir, frame.ExtractOptions{
		Pattern:   *pattern,
		MaxWidth:  limits.MaxWidth,
		MaxHeight: limits.MaxHeight,
		MaxFrames: limits.MaxFrames(fps),
	})
	if err != nil {
		return err
	}
	w, h := seq.Size()
	log.Printf("Loaded %d frames (%dx%d) from %s", len(seq), w, h, *inDir)

	run, err := eng.Start(ctx, seq, raw)
	if err != nil {
		return err
	}
	log.Printf("Run %s started on the %s strategy", run.ID(), run.Strategy())

	lastDecile := -1
	for ev := range run.Events() {
		if ev.Type != engine.EventProgress {
			continue
		}
		if d := int(ev.Percent) / 10; d != lastDecile {
			lastDecile = d
			log.Printf("%5.1f%% frame %d/%d %.1f fps", ev.Percent, ev.CurrentFrame, ev.TotalFrames, ev.FPS)
		}
	}

	res, err := run.Wait()
	if errors.Is(err, engine.ErrCancelled) {
		log.Printf("Run %s cancelled", run.ID())
		return nil
	}
	if err != nil {
		return err
	}
	log.Printf("Run %s complete: %d frames in %.2fs on %s",
		res.Metadata.RunID, res.Metadata.FrameCount, res.Metadata.ElapsedSeconds, res.Metadata.StrategyUsed)

	if err := frame.WriteSequence(*outDir, "amplified", res.Frames); err != nil {
		return err
	}
	log.Printf("Wrote %d frames to %s", len(res.Frames), *outDir)

	if *analysisDir != "" {
		return writeAnalysis(*analysisDir, seq, res.Frames, fps)
	}
	return nil
}

func writeAnalysis(dir string, original, processed frame.Sequence, fps float64) error {
	report, err := analysis.Analyze(original, processed, fps)
	if err != nil {
		return fmt.Errorf("analysis: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create analysis dir: %w", err)
	}
	if err := analysis.WritePlot(filepath.Join(dir, "motion.png"), report); err != nil {
		return err
	}
	if err := analysis.WriteSpectrumPlot(filepath.Join(dir, "spectrum.png"), report); err != nil {
		return err
	}

	writers := map[string]func(*os.File) error{
		"report.html": func(f *os.File) error { return analysis.WriteHTML(f, report) },
		"metrics.csv": func(f *os.File) error { return report.WriteCSV(f) },
		"analysis.json": func(f *os.File) error {
			h := analysis.NewHistory(0)
			h.Add(report)
			return h.WriteJSON(f, version.Version)
		},
	}
	for name, write := range writers {
		f, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if err := write(f); err != nil {
			f.Close()
			return fmt.Errorf("%s: %w", name, err)
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	log.Printf("Analysis: %s motion, %s, peak %.2f Hz, gain %.2fx (written to %s)",
		report.Intensity, report.DominantMotion, report.PeakFrequency, report.Gain, dir)
	return nil
}

func runSource(s *runstore.Store) api.RunSource {
	if s == nil {
		return nil
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
