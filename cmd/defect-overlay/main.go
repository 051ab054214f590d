// Package main is the defect-overlay command line tool.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/docker/go-units"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	defectoverlay "github.com/rdqcc/defect-overlay"
	"github.com/rdqcc/defect-overlay/internal/config"
	"github.com/rdqcc/defect-overlay/internal/server"
	"github.com/rdqcc/defect-overlay/internal/utils"
	"github.com/rdqcc/defect-overlay/pkg/compress"
	"github.com/rdqcc/defect-overlay/pkg/imageio"
	"github.com/rdqcc/defect-overlay/pkg/inference"
	"github.com/rdqcc/defect-overlay/pkg/results"
	"github.com/rdqcc/defect-overlay/pkg/types"
)

const (
	// Flags.
	flagConfig      = "config"
	flagEnv         = "env"
	flagDebug       = "debug"
	flagAPIURL      = "api-url"
	flagProduction  = "production"
	flagListen      = "listen"
	flagOut         = "out"
	flagDetections  = "detections"
	flagFirstModel  = "first-model"
	flagSecondModel = "second-model"
	flagConfidence  = "confidence"
	flagFilter      = "filter"
	flagProductCode = "product-code"
	flagMaxSizeMB   = "max-size-mb"
	flagMaxSize     = "max-size"
	flagForce       = "force"
	flagOnly        = "only"
	flagMaxSide     = "max-dimension"
	flagQuality     = "quality"
)

// app holds what Before prepares for the subcommands.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
}

func main() {
	a := &app{}

	cliApp := &cli.App{
		Name:    "defect-overlay",
		Usage:   "inspect part photographs with a two-stage defect detector",
		Version: defectoverlay.GetVersion(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Value:   config.GetConfigPath(),
				Usage:   "load configuration from `FILE`",
			},
			&cli.StringSliceFlag{
				Name:  flagEnv,
				Usage: "load environment variables from `FILE` (repeatable, defaults to .env)",
			},
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
			&cli.StringFlag{
				Name:    flagAPIURL,
				EnvVars: []string{"DEFECT_API_URL"},
				Usage:   "inference API base `URL`",
			},
			&cli.BoolFlag{
				Name:  flagProduction,
				Usage: "use the production inference API",
			},
		},
		Before: a.before,
		After: func(*cli.Context) error {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP gateway",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagListen, Usage: "listen `ADDR`, overrides the configuration"},
				},
				Action: a.serve,
			},
			{
				Name:  "config",
				Usage: "manage the configuration file",
				Subcommands: []*cli.Command{
					{
						Name:  "init",
						Usage: "write a configuration file with default settings",
						Flags: []cli.Flag{
							&cli.BoolFlag{Name: flagForce, Aliases: []string{"f"}, Usage: "overwrite an existing file"},
						},
						Action: a.configInit,
					},
					{
						Name:   "save",
						Usage:  "write the effective configuration, including environment and flag overrides",
						Action: a.configSave,
					},
					{
						Name:   "show",
						Usage:  "print the effective configuration",
						Action: a.configShow,
					},
				},
			},
			{
				Name:   "models",
				Usage:  "list the models offered by the inference API",
				Action: a.models,
			},
			{
				Name:      "predict",
				Usage:     "detect defects in an image and write the overlay",
				ArgsUsage: "<image path or URL>",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: flagFirstModel, Usage: "first stage model file"},
					&cli.StringFlag{Name: flagSecondModel, Usage: "second stage model file"},
					&cli.Float64Flag{Name: flagConfidence, Usage: "first stage confidence threshold (0.01-1)"},
					&cli.BoolFlag{Name: flagFilter, Usage: "filter detections by product code"},
					&cli.StringFlag{Name: flagProductCode, Usage: "product code used when filtering"},
				}, outputFlags()...),
				Action: a.predict,
			},
			{
				Name:      "render",
				Usage:     "draw saved detections over an image",
				ArgsUsage: "<image path or URL>",
				Flags: append([]cli.Flag{
					&cli.PathFlag{
						Name:     flagDetections,
						Aliases:  []string{"d"},
						Required: true,
						Usage:    "JSON `FILE` with a detection array or a prediction response",
					},
					&cli.IntSliceFlag{
						Name:  flagOnly,
						Usage: "draw only the detections with these 1-based `NUMBERS`",
					},
				}, outputFlags()...),
				Action: a.render,
			},
			{
				Name:      "compress",
				Usage:     "compress an image the way uploads are compressed",
				ArgsUsage: "<image path>",
				Flags: append([]cli.Flag{
					&cli.Float64Flag{Name: flagMaxSizeMB, Usage: "size budget in megabytes"},
					&cli.StringFlag{Name: flagMaxSize, Usage: "size budget as a human `SIZE` such as 500KB, overrides --max-size-mb"},
					&cli.IntFlag{Name: flagMaxSide, Usage: "longest side in pixels"},
					&cli.Float64Flag{Name: flagQuality, Usage: "JPEG quality (0-1]"},
				}, outputFlags()...),
				Action: a.compress,
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func outputFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: flagOut, Aliases: []string{"o"}, Usage: "output `FILE`, defaults to the configured output directory"},
	}
}

func (a *app) before(c *cli.Context) error {
	logger, err := newLogger(c.Bool(flagDebug))
	if err != nil {
		return err
	}
	a.logger = logger

	cfg, err := config.Load(c.String(flagConfig), c.StringSlice(flagEnv)...)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if v := c.String(flagAPIURL); v != "" {
		cfg.Inference.BaseURL = v
	}
	if c.Bool(flagProduction) {
		cfg.Inference.Production = true
	}
	a.cfg = cfg
	return nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	zcfg := zap.NewDevelopmentConfig()
	zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	zcfg.DisableStacktrace = true
	if !debug {
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		zcfg.DisableCaller = true
	}
	return zcfg.Build()
}

func (a *app) workbench() (*defectoverlay.Workbench, error) {
	return defectoverlay.NewFromConfig(a.cfg, a.logger)
}

func (a *app) serve(c *cli.Context) error {
	if v := c.String(flagListen); v != "" {
		a.cfg.Server.ListenAddr = v
	}
	wb, err := a.workbench()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.logger.Info("using inference API", zap.String("base_url", a.cfg.APIBaseURL()))
	return server.New(wb, a.cfg.Server, a.logger).Run(ctx)
}

func (a *app) models(c *cli.Context) error {
	wb, err := a.workbench()
	if err != nil {
		return err
	}
	cat, err := wb.ListModels(c.Context)
	if err != nil {
		return err
	}
	if len(cat.Models) == 0 {
		fmt.Fprintln(c.App.Writer, "No models available")
		return nil
	}
	for _, stage := range []types.Stage{types.FirstStage, types.SecondStage} {
		fmt.Fprintf(c.App.Writer, "%s models:\n", stage)
		for _, label := range cat.Labels(stage) {
			fmt.Fprintf(c.App.Writer, "  %s\n", label)
		}
	}
	return nil
}

func (a *app) configInit(c *cli.Context) error {
	path := c.String(flagConfig)
	if utils.FileExists(path) && !c.Bool(flagForce) {
		return cli.Exit(fmt.Sprintf("%s already exists, use --force to overwrite", path), 1)
	}
	if err := config.Default().SaveToFile(path); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Wrote default configuration to %s\n", path)
	return nil
}

func (a *app) configSave(c *cli.Context) error {
	path := c.String(flagConfig)
	if err := a.cfg.SaveToFile(path); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Saved configuration to %s\n", path)
	return nil
}

func (a *app) configShow(c *cli.Context) error {
	data, err := json.MarshalIndent(a.cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, string(data))
	return nil
}

func (a *app) predict(c *cli.Context) error {
	source, err := sourceArg(c)
	if err != nil {
		return err
	}
	wb, err := a.workbench()
	if err != nil {
		return err
	}
	file, err := readSource(c.Context, wb, source)
	if err != nil {
		return err
	}

	ins, err := wb.Inspect(c.Context, file, defectoverlay.InspectParams{
		FirstModel:      c.String(flagFirstModel),
		SecondModel:     c.String(flagSecondModel),
		FirstConfidence: c.Float64(flagConfidence),
		Filter:          c.Bool(flagFilter),
		ProductCode:     c.String(flagProductCode),
	})
	if err != nil {
		return err
	}

	out, err := a.outputPath(c, source, "jpg")
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, ins.Overlay.Data, 0o644); err != nil {
		return fmt.Errorf("failed to write overlay: %w", err)
	}

	w := c.App.Writer
	fmt.Fprintln(w, ins.Status.Message)
	for _, e := range ins.Results.Entries() {
		fmt.Fprintf(w, "  %s  %s\n", e.Title, e.Score)
	}
	fmt.Fprintf(w, "\n%s\n\nOverlay written to %s\n", ins.Report.Format(), out)
	if ins.Status.Type == types.StatusError {
		return cli.Exit("", 1)
	}
	return nil
}

func (a *app) render(c *cli.Context) error {
	source, err := sourceArg(c)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(c.Path(flagDetections))
	if err != nil {
		return fmt.Errorf("failed to read detections: %w", err)
	}
	dets, err := parseDetections(raw)
	if err != nil {
		return err
	}
	dets, err = selectDetections(dets, c.IntSlice(flagOnly))
	if err != nil {
		return err
	}

	wb, err := a.workbench()
	if err != nil {
		return err
	}
	img, err := wb.LoadImage(c.Context, source)
	if err != nil {
		return err
	}
	res, err := wb.Render(c.Context, img, dets)
	if err != nil {
		return err
	}

	out, err := a.outputPath(c, source, "jpg")
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, res.Image.Data, 0o644); err != nil {
		return fmt.Errorf("failed to write overlay: %w", err)
	}
	info := imageio.GetImageInfo(img)
	fmt.Fprintf(c.App.Writer, "Drew %d of %d detection(s) on a %dx%d image to %s\n",
		len(res.Marks), len(dets), info.Width, info.Height, out)
	for _, s := range res.Skipped {
		fmt.Fprintf(c.App.Writer, "  skipped #%d: %s\n", s.Index, s.Reason)
	}
	return nil
}

func (a *app) compress(c *cli.Context) error {
	source, err := sourceArg(c)
	if err != nil {
		return err
	}
	wb, err := a.workbench()
	if err != nil {
		return err
	}
	file, err := readSource(c.Context, wb, source)
	if err != nil {
		return err
	}

	opts := compress.Options{
		MaxSizeMB:        c.Float64(flagMaxSizeMB),
		MaxWidthOrHeight: c.Int(flagMaxSide),
		Quality:          c.Float64(flagQuality),
	}
	if raw := c.String(flagMaxSize); raw != "" {
		mb, err := parseSizeMB(raw)
		if err != nil {
			return err
		}
		opts.MaxSizeMB = mb
	}

	out, err := wb.CompressWithOptions(c.Context, file, opts)
	if err != nil {
		return err
	}

	path, err := a.outputPath(c, source, "jpg")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, out.Data, 0o644); err != nil {
		return fmt.Errorf("failed to write image: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "%s -> %s (%s -> %s)\n", source, path,
		utils.FormatFileSize(int64(len(file.Data))), utils.FormatFileSize(int64(len(out.Data))))
	return nil
}

func sourceArg(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", cli.Exit(fmt.Sprintf("usage: %s %s %s", c.App.Name, c.Command.Name, c.Command.ArgsUsage), 2)
	}
	return c.Args().First(), nil
}

// readSource returns the raw bytes of a local image, or a PNG re-encoding of a
// remote one.
func readSource(ctx context.Context, wb *defectoverlay.Workbench, source string) (*compress.File, error) {
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		if !utils.IsImageFile(source) {
			return nil, fmt.Errorf("unsupported file type %q, want one of %s", source, strings.Join(utils.UploadExtensions, ", "))
		}
		data, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("failed to read image: %w", err)
		}
		return &compress.File{Name: filepath.Base(source), Data: data}, nil
	}

	img, err := wb.LoadImage(ctx, source)
	if err != nil {
		return nil, err
	}
	data, err := encodePNG(img)
	if err != nil {
		return nil, err
	}
	return &compress.File{Name: utils.SanitizeFilename(filepath.Base(source)), ContentType: "image/png", Data: data}, nil
}

// selectDetections hides every detection not numbered in only. An empty only keeps
// the visibility flags as given.
func selectDetections(dets []types.Detection, only []int) ([]types.Detection, error) {
	list := results.NewList(dets)
	if len(only) == 0 {
		return list.Detections(), nil
	}
	list.SetAll(false)
	for _, n := range only {
		if err := list.SetVisible(n-1, true); err != nil {
			return nil, fmt.Errorf("--%s %d: %w", flagOnly, n, err)
		}
	}
	return list.Detections(), nil
}

// parseSizeMB converts a human size such as "500KB" to megabytes.
func parseSizeMB(raw string) (float64, error) {
	n, err := utils.ParseFileSize(raw)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid size %q: must be positive", raw)
	}
	return float64(n) / units.MiB, nil
}

// parseDetections accepts a detection array or a full prediction response.
func parseDetections(raw []byte) ([]types.Detection, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var dets []types.Detection
		if err := json.Unmarshal(trimmed, &dets); err != nil {
			return nil, fmt.Errorf("failed to parse detections: %w", err)
		}
		return dets, nil
	}

	var resp inference.PredictResponse
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse prediction response: %w", err)
	}
	dets, err := resp.Detections()
	if err != nil && len(dets) == 0 {
		return nil, err
	}
	return dets, nil
}

func (a *app) outputPath(c *cli.Context, source, format string) (string, error) {
	if out := c.String(flagOut); out != "" {
		return out, utils.EnsureDir(filepath.Dir(out))
	}
	o := a.cfg.Output
	if err := utils.EnsureDir(o.OutputDir); err != nil {
		return "", err
	}
	return utils.GenerateOutputFilename(utils.SanitizeFilename(filepath.Base(source)), o.OutputDir, o.Prefix, o.Suffix, format), nil
}

var errNoImage = errors.New("no image data")

func encodePNG(img image.Image) ([]byte, error) {
	if img == nil {
		return nil, errNoImage
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}
