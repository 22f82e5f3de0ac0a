// Command skymapper computes the map-level products of a set of survey
// mappers from a YAML run configuration: signal maps, masks, coupled noise
// spectra and redshift distributions, plus optional JPEG previews.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"skymapper/pkg/fits"
	"skymapper/pkg/mappers"
	"skymapper/pkg/npz"
	"skymapper/pkg/preview"
)

// runConfig is the top-level YAML run description.
type runConfig struct {
	OutputDir string         `yaml:"output_dir"`
	RerunDir  string         `yaml:"rerun_dir"`
	Mappers   []mapperConfig `yaml:"mappers"`
}

type mapperConfig struct {
	Name   string         `yaml:"name"`
	Type   string         `yaml:"type"`
	Dz     float64        `yaml:"dz"`
	Config map[string]any `yaml:"config"`
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	var verbose bool

	root := &cobra.Command{
		Use:           "skymapper",
		Short:         "Compute survey maps, masks and noise spectra",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yml", "run configuration file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newComputeCmd(&cfgPath, &verbose))
	root.AddCommand(newPreviewCmd(&cfgPath, &verbose))
	return root
}

func newComputeCmd(cfgPath *string, verbose *bool) *cobra.Command {
	var only []string

	cmd := &cobra.Command{
		Use:   "compute",
		Short: "Compute and write every mapper product",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(*cfgPath, *verbose)
			if err != nil {
				return err
			}
			defer log.Sync()

			for _, mc := range cfg.Mappers {
				if len(only) > 0 && !contains(only, mc.Name) {
					continue
				}
				if err := computeOne(cfg, mc, log); err != nil {
					return fmt.Errorf("mapper %s: %w", mc.Name, err)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&only, "only", nil, "restrict to the named mappers")
	return cmd
}

func newPreviewCmd(cfgPath *string, verbose *bool) *cobra.Command {
	var width int

	cmd := &cobra.Command{
		Use:   "preview [mapper...]",
		Short: "Render JPEG previews of signal maps and masks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(*cfgPath, *verbose)
			if err != nil {
				return err
			}
			defer log.Sync()

			for _, mc := range cfg.Mappers {
				if len(args) > 0 && !contains(args, mc.Name) {
					continue
				}
				if err := previewOne(cfg, mc, width, log); err != nil {
					return fmt.Errorf("mapper %s: %w", mc.Name, err)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&width, "width", 800, "preview image width in pixels")
	return cmd
}

// setup loads the run configuration and builds the logger.
func setup(path string, verbose bool) (*runConfig, *zap.Logger, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read config: %w", err)
	}
	var cfg runConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "."
	}

	logCfg := zap.NewProductionConfig()
	if verbose {
		logCfg = zap.NewDevelopmentConfig()
	}
	log, err := logCfg.Build()
	if err != nil {
		return nil, nil, err
	}
	return &cfg, log, nil
}

// build instantiates one configured mapper, wiring the shared rerun directory
// into its options.
func build(cfg *runConfig, mc mapperConfig, log *zap.Logger) (mappers.Mapper, error) {
	opts := make(mappers.Config, len(mc.Config)+1)
	for k, v := range mc.Config {
		opts[k] = v
	}
	if cfg.RerunDir != "" {
		if _, ok := opts["path_rerun"]; !ok {
			opts["path_rerun"] = cfg.RerunDir
		}
	}
	return mappers.New(mc.Type, opts, log.With(zap.String("mapper", mc.Name)))
}

func computeOne(cfg *runConfig, mc mapperConfig, log *zap.Logger) error {
	log.Info("computing mapper products",
		zap.String("mapper", mc.Name), zap.String("type", mc.Type))

	m, err := build(cfg, mc, log)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return err
	}
	out := func(name string) string { return filepath.Join(cfg.OutputDir, name) }

	signal, err := m.SignalMap()
	if err != nil {
		return err
	}
	if err := fits.WriteMaps(out(mc.Name+"_signal.fits.gz"), signal); err != nil {
		return err
	}

	mask, err := m.Mask()
	if err != nil {
		return err
	}
	if err := fits.WriteMap(out(mc.Name+"_mask.fits.gz"), mask); err != nil {
		return err
	}

	nl, err := m.NlCoupled()
	switch {
	case errors.Is(err, mappers.ErrNotImplemented):
		log.Info("no noise spectrum", zap.String("mapper", mc.Name))
	case err != nil:
		return err
	default:
		if err := fits.WriteMaps(out(mc.Name+"_nlcoupled.fits.gz"), nl); err != nil {
			return err
		}
	}

	dndz, err := m.Nz(mc.Dz)
	switch {
	case errors.Is(err, mappers.ErrNotImplemented):
		log.Info("no redshift distribution", zap.String("mapper", mc.Name))
	case err != nil:
		return err
	default:
		arrays := map[string]npz.Array{
			"z_mid": npz.Vector(dndz.Z),
			"nz":    npz.Vector(dndz.Nz),
		}
		if len(dndz.JK) > 0 {
			jk, err := npz.Matrix(dndz.JK)
			if err != nil {
				return err
			}
			arrays["nz_jk"] = jk
		}
		if err := npz.Write(out(mc.Name+"_nz.npz"), arrays); err != nil {
			return err
		}
	}
	return nil
}

func previewOne(cfg *runConfig, mc mapperConfig, width int, log *zap.Logger) error {
	m, err := build(cfg, mc, log)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return err
	}

	mask, err := m.Mask()
	if err != nil {
		return err
	}
	maskPath := filepath.Join(cfg.OutputDir, mc.Name+"_mask.jpg")
	if err := preview.Render(mask, preview.Options{
		Width: width,
		Title: mc.Name + " mask",
	}, maskPath); err != nil {
		return err
	}
	log.Info("wrote preview", zap.String("file", maskPath))

	signal, err := m.SignalMap()
	if err != nil {
		return err
	}
	for i, comp := range signal {
		title := mc.Name
		if len(signal) > 1 {
			title = fmt.Sprintf("%s [%d]", mc.Name, i)
		}
		p := filepath.Join(cfg.OutputDir, fmt.Sprintf("%s_signal_%d.jpg", mc.Name, i))
		if err := preview.Render(comp, preview.Options{
			Width: width,
			Title: title,
			Mask:  mask,
		}, p); err != nil {
			return err
		}
		log.Info("wrote preview", zap.String("file", p))
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
