// Package config resolves export settings from defaults, an optional YAML
// file, YOLOV2_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tbdy/yolov2/internal/errs"
	"github.com/tbdy/yolov2/internal/optimize"
	"github.com/tbdy/yolov2/internal/parallel"
	"github.com/tbdy/yolov2/internal/tensor"
	"github.com/tbdy/yolov2/internal/transform"
	"github.com/tbdy/yolov2/internal/zoo"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "YOLOV2"

const stage = "config"

// Config is the resolved export configuration.
type Config struct {
	OutputDir  string  `mapstructure:"output_dir"`
	Version    string  `mapstructure:"version"`
	WeightFile string  `mapstructure:"weight_file"`
	IoU        float32 `mapstructure:"iou"`
	Threshold  float32 `mapstructure:"threshold"`
	MaxBoxes   int     `mapstructure:"max_boxes"`
	LogMode    string  `mapstructure:"log_mode"`
	Device     string  `mapstructure:"device"`
	Workers    int     `mapstructure:"workers"`

	Model ModelConfig `mapstructure:"model"`

	Transforms []string `mapstructure:"transforms"`
	Optimizers []string `mapstructure:"optimizers"`
}

// ModelConfig describes the network and its label map.
type ModelConfig struct {
	ImageSize   int          `mapstructure:"image_size"`
	NumClasses  int          `mapstructure:"num_classes"`
	Anchors     []zoo.Anchor `mapstructure:"anchors"`
	AnchorsFile string       `mapstructure:"anchors_file"`
	Labels      []string     `mapstructure:"labels"`
	LabelsFile  string       `mapstructure:"labels_file"`
	Width       int          `mapstructure:"width_divisor"`
	LegacyNorm  bool         `mapstructure:"legacy_norm"`
}

// Flags registers the command-line flags on fs.
func Flags(fs *pflag.FlagSet) {
	fs.String("config", "", "YAML configuration file")
	fs.String("output_dir", "/tmp/yolov2", "export root directory")
	fs.String("version", "1", "model version directory name")
	fs.String("weight_file", "", "path to the trained weight file (.born or .safetensors)")
	fs.Float32("iou", 0.6, "IoU threshold for non-max suppression")
	fs.Float32("threshold", 0.0, "score threshold for reported boxes")
	fs.Int("max_boxes", 100, "maximum boxes per image")
	fs.String("log_mode", "development", "logger mode: development or production")
	fs.String("device", "cpu", "target device for layout optimization: cpu or cuda")
	fs.Int("workers", 0, "worker goroutines per stage (0 = number of CPUs)")
}

func setDefaults(v *viper.Viper) {
	def := zoo.DefaultConfig()
	v.SetDefault("model.image_size", def.ImageSize)
	v.SetDefault("model.num_classes", 0)
	v.SetDefault("model.width_divisor", 1)
	v.SetDefault("transforms", transform.DefaultSequence())
	v.SetDefault("optimizers", optimize.DefaultOptimizers())
}

// Load parses args and resolves the configuration.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("yolov2-export", pflag.ContinueOnError)
	Flags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, errs.Wrap(errs.Config, stage, "flags", err)
	}
	return FromFlags(fs)
}

// FromFlags resolves the configuration for an already parsed flag set.
func FromFlags(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, errs.Wrap(errs.Config, stage, "flags", err)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errs.Wrap(errs.Config, stage, path, fmt.Errorf("failed to read config file: %w", err))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errs.Wrap(errs.Config, stage, "unmarshal", fmt.Errorf("failed to unmarshal config: %w", err))
	}
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolve reads the anchor and label files and fills derived fields.
func (c *Config) resolve() error {
	m := &c.Model
	if m.AnchorsFile != "" {
		if len(m.Anchors) > 0 {
			return errs.Mismatch(errs.Config, stage, "anchors", "inline anchors or anchors_file", "both")
		}
		anchors, err := ReadAnchors(m.AnchorsFile)
		if err != nil {
			return err
		}
		m.Anchors = anchors
	}
	if len(m.Anchors) == 0 {
		m.Anchors = zoo.VOCAnchors()
	}

	if m.LabelsFile != "" {
		if len(m.Labels) > 0 {
			return errs.Mismatch(errs.Config, stage, "labels", "inline labels or labels_file", "both")
		}
		labels, err := ReadLabels(m.LabelsFile)
		if err != nil {
			return err
		}
		m.Labels = labels
	}
	switch {
	case m.NumClasses == 0 && len(m.Labels) > 0:
		m.NumClasses = len(m.Labels)
	case m.NumClasses == 0:
		m.NumClasses = zoo.DefaultConfig().NumClasses
	case len(m.Labels) > 0 && len(m.Labels) != m.NumClasses:
		return errs.Mismatch(errs.Config, stage, "labels", fmt.Sprintf("%d labels", m.NumClasses), len(m.Labels))
	}
	if m.Width < 1 {
		return errs.Mismatch(errs.Config, stage, "model.width_divisor", ">= 1", m.Width)
	}

	if _, err := tensor.ParseDevice(c.Device); err != nil {
		return errs.Wrap(errs.Config, stage, "device", err)
	}
	switch c.LogMode {
	case "development", "production":
	default:
		return errs.Mismatch(errs.Config, stage, "log_mode", "development or production", c.LogMode)
	}
	if err := transform.CheckSequence(c.Transforms); err != nil {
		return errs.Wrap(errs.Config, stage, "transforms", err)
	}
	if err := optimize.CheckSequence(c.Optimizers); err != nil {
		return errs.Wrap(errs.Config, stage, "optimizers", err)
	}
	if c.Workers < 0 {
		return errs.Mismatch(errs.Config, stage, "workers", ">= 0", c.Workers)
	}
	return nil
}

// ModelSpec returns the network configuration to rebuild.
func (c *Config) ModelSpec() zoo.Config {
	mc := zoo.DefaultConfig()
	mc.ImageSize = c.Model.ImageSize
	mc.NumClasses = c.Model.NumClasses
	mc.Anchors = c.Model.Anchors
	mc.IoU = c.IoU
	mc.ScoreThreshold = c.Threshold
	mc.MaxBoxes = c.MaxBoxes
	mc.Backbone = zoo.Darknet19{Divisor: c.Model.Width, LegacyNorm: c.Model.LegacyNorm}
	if w := c.Model.Width; w > 1 {
		mc.Head.Filters = max(mc.Head.Filters/w, 1)
		mc.Head.FineFilters = max(mc.Head.FineFilters/w, 1)
	}
	return mc
}

// TargetDevice returns the parsed device. Load has validated it.
func (c *Config) TargetDevice() tensor.Device {
	d, _ := tensor.ParseDevice(c.Device) //nolint:errcheck // validated in resolve
	return d
}

// ParallelConfig returns the worker configuration.
func (c *Config) ParallelConfig() parallel.Config {
	p := parallel.DefaultConfig()
	if c.Workers > 0 {
		p.NumWorkers = c.Workers
		p.Enabled = c.Workers > 1
	}
	return p
}

// ReadAnchors parses an anchors file: whitespace or comma separated
// numbers taken in (width, height) pairs. Lines starting with # are
// comments.
func ReadAnchors(path string) ([]zoo.Anchor, error) {
	var nums []float32
	err := scanLines(path, func(line string) error {
		for _, field := range strings.FieldsFunc(line, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' }) {
			f, err := strconv.ParseFloat(field, 32)
			if err != nil {
				return fmt.Errorf("bad anchor value %q: %w", field, err)
			}
			nums = append(nums, float32(f))
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.Config, stage, path, err)
	}
	if len(nums) == 0 || len(nums)%2 != 0 {
		return nil, errs.Mismatch(errs.Config, stage, path, "an even, non-zero number of anchor values", len(nums))
	}
	anchors := make([]zoo.Anchor, len(nums)/2)
	for i := range anchors {
		anchors[i] = zoo.Anchor{W: nums[2*i], H: nums[2*i+1]}
	}
	return anchors, nil
}

// ReadLabels parses a label file with one class name per line. The line
// order is the class index.
func ReadLabels(path string) ([]string, error) {
	var labels []string
	seen := make(map[string]bool)
	err := scanLines(path, func(line string) error {
		if seen[line] {
			return fmt.Errorf("duplicate label %q", line)
		}
		seen[line] = true
		labels = append(labels, line)
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.Config, stage, path, err)
	}
	if len(labels) == 0 {
		return nil, errs.Mismatch(errs.Config, stage, path, "at least one label", 0)
	}
	return labels, nil
}

// scanLines calls f for every trimmed, non-empty, non-comment line.
func scanLines(path string, f func(line string) error) error {
	//nolint:gosec // G304: path comes from the operator's configuration
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	sc := bufio.NewScanner(file)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := f(line); err != nil {
			return err
		}
	}
	return sc.Err()
}
