package config

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bryanchriswhite/ShmStreamer/internal/capture/shm"
	"github.com/bryanchriswhite/ShmStreamer/internal/encode"
)

// EnvPrefix is the prefix of environment overrides, e.g. SHMSTREAMER_FREQ.
const EnvPrefix = "SHMSTREAMER"

// Option keys. Flag names, config file keys and env suffixes all use them.
const (
	KeyName         = "name"
	KeyFreq         = "freq"
	KeyCID          = "cid"
	KeyWidth        = "width"
	KeyHeight       = "height"
	KeyBPP          = "bpp"
	KeyScaledWidth  = "scaled-width"
	KeyScaledHeight = "scaled-height"
	KeyID           = "id"
	KeyVerbose      = "verbose"
	KeyHTTPPort     = "http-port"
	KeyShmDir       = "shm-dir"
	KeyJPEGQuality  = "jpeg-quality"
	KeyLogLevel     = "log-level"
	KeyLogPretty    = "log-pretty"
)

// RequiredKeys must be given before the bridge starts.
var RequiredKeys = []string{KeyName, KeyFreq, KeyCID, KeyWidth, KeyHeight, KeyBPP}

var (
	// ErrMissingOption is returned when a required option is absent.
	ErrMissingOption = errors.New("missing required option")
	// ErrInvalidOption is returned when an option has an unusable value.
	ErrInvalidOption = errors.New("invalid option")
)

// StreamConfig is the configuration of one bridge process. It is resolved
// once at startup and not changed afterwards.
type StreamConfig struct {
	Name         string  `json:"name" yaml:"name"`
	Freq         float64 `json:"freq" yaml:"freq"`
	CID          uint16  `json:"cid" yaml:"cid"`
	Width        int     `json:"width" yaml:"width"`
	Height       int     `json:"height" yaml:"height"`
	BPP          int     `json:"bpp" yaml:"bpp"`
	ScaledWidth  int     `json:"scaled_width" yaml:"scaled-width"`
	ScaledHeight int     `json:"scaled_height" yaml:"scaled-height"`
	ID           uint32  `json:"id" yaml:"id"`
	Verbose      bool    `json:"verbose" yaml:"verbose"`

	HTTPPort    int    `json:"http_port" yaml:"http-port"`
	ShmDir      string `json:"shm_dir" yaml:"shm-dir"`
	JPEGQuality int    `json:"jpeg_quality" yaml:"jpeg-quality"`
	LogLevel    string `json:"log_level" yaml:"log-level"`
	LogPretty   bool   `json:"log_pretty" yaml:"log-pretty"`
}

// NewViper returns a viper instance with defaults and environment
// overrides configured.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyScaledWidth, 0)
	v.SetDefault(KeyScaledHeight, 0)
	v.SetDefault(KeyID, 0)
	v.SetDefault(KeyVerbose, false)
	v.SetDefault(KeyHTTPPort, 0)
	v.SetDefault(KeyShmDir, shm.DefaultDir)
	v.SetDefault(KeyJPEGQuality, encode.DefaultQuality)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogPretty, false)
	return v
}

// AddStreamFlags defines the bridge options on fs.
func AddStreamFlags(fs *pflag.FlagSet) {
	fs.String(KeyName, "", "name of the shared memory to use")
	fs.Float64(KeyFreq, 0, "maximum frame rate of the video stream")
	fs.Uint16(KeyCID, 0, "OD4 session (conference id) to publish on")
	fs.Int(KeyWidth, 0, "the width of the image inside the shared memory")
	fs.Int(KeyHeight, 0, "the height of the image inside the shared memory")
	fs.Int(KeyBPP, 0, "the bits per pixel of the image inside the shared memory")
	fs.Int(KeyScaledWidth, 0, "the width of the image in the resulting video stream (default: keep same width)")
	fs.Int(KeyScaledHeight, 0, "the height of the image in the resulting video stream (default: keep same height)")
	fs.Uint32(KeyID, 0, "sender stamp attached to every published image")
	fs.Bool(KeyVerbose, false, "log progress for every frame")
	fs.Int(KeyHTTPPort, 0, "port of the preview and monitoring server (0 disables it)")
	fs.String(KeyShmDir, shm.DefaultDir, "directory holding shared memory regions")
	fs.Int(KeyJPEGQuality, encode.DefaultQuality, "JPEG quality (1-100)")
}

// ReadFile merges a YAML config file into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return nil
}

// Require returns ErrMissingOption naming every key that is not set by a
// flag, the environment or the config file.
func Require(v *viper.Viper, keys ...string) error {
	var missing []string
	for _, key := range keys {
		if !v.IsSet(key) {
			missing = append(missing, "--"+key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingOption, strings.Join(missing, ", "))
	}
	return nil
}

// Load resolves a StreamConfig from v (flags > env > file > defaults) and
// validates it.
func Load(v *viper.Viper) (StreamConfig, error) {
	if err := Require(v, RequiredKeys...); err != nil {
		return StreamConfig{}, err
	}

	cid := v.GetInt(KeyCID)
	id := v.GetInt64(KeyID)
	if cid < 0 || cid > 0xFFFF {
		return StreamConfig{}, fmt.Errorf("%w: --%s=%d", ErrInvalidOption, KeyCID, cid)
	}
	if id < 0 || id > 0xFFFFFFFF {
		return StreamConfig{}, fmt.Errorf("%w: --%s=%d", ErrInvalidOption, KeyID, id)
	}

	cfg := StreamConfig{
		Name:         v.GetString(KeyName),
		Freq:         v.GetFloat64(KeyFreq),
		CID:          uint16(cid),
		Width:        v.GetInt(KeyWidth),
		Height:       v.GetInt(KeyHeight),
		BPP:          v.GetInt(KeyBPP),
		ScaledWidth:  v.GetInt(KeyScaledWidth),
		ScaledHeight: v.GetInt(KeyScaledHeight),
		ID:           uint32(id),
		Verbose:      v.GetBool(KeyVerbose),
		HTTPPort:     v.GetInt(KeyHTTPPort),
		ShmDir:       v.GetString(KeyShmDir),
		JPEGQuality:  v.GetInt(KeyJPEGQuality),
		LogLevel:     v.GetString(KeyLogLevel),
		LogPretty:    v.GetBool(KeyLogPretty),
	}
	if cfg.ScaledWidth == 0 {
		cfg.ScaledWidth = cfg.Width
	}
	if cfg.ScaledHeight == 0 {
		cfg.ScaledHeight = cfg.Height
	}

	if err := cfg.Validate(); err != nil {
		return StreamConfig{}, err
	}
	return cfg, nil
}

// Validate checks option ranges.
func (c StreamConfig) Validate() error {
	var problems []string
	if c.Name == "" || strings.Trim(c.Name, "/") == "" {
		problems = append(problems, fmt.Sprintf("--%s must name a region", KeyName))
	}
	if c.Freq <= 0 {
		problems = append(problems, fmt.Sprintf("--%s must be positive, got %v", KeyFreq, c.Freq))
	}
	if c.CID < 1 || c.CID > 254 {
		problems = append(problems, fmt.Sprintf("--%s must be in 1..254, got %d", KeyCID, c.CID))
	}
	if c.Width <= 0 || c.Height <= 0 {
		problems = append(problems, fmt.Sprintf("--%s and --%s must be positive, got %dx%d", KeyWidth, KeyHeight, c.Width, c.Height))
	}
	if err := ValidateDepth(c.BPP); err != nil {
		problems = append(problems, fmt.Sprintf("--%s must be 8, 24 or 32, got %d", KeyBPP, c.BPP))
	}
	if c.ScaledWidth <= 0 || c.ScaledHeight <= 0 {
		problems = append(problems, fmt.Sprintf("--%s and --%s must be positive, got %dx%d", KeyScaledWidth, KeyScaledHeight, c.ScaledWidth, c.ScaledHeight))
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		problems = append(problems, fmt.Sprintf("--%s must be in 0..65535, got %d", KeyHTTPPort, c.HTTPPort))
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		problems = append(problems, fmt.Sprintf("--%s must be in 1..100, got %d", KeyJPEGQuality, c.JPEGQuality))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidOption, strings.Join(problems, "; "))
	}
	return nil
}

// ValidateDepth accepts the supported pixel depths: 8 (grey), 24 (BGR) and
// 32 (BGRA) bits per pixel.
func ValidateDepth(bpp int) error {
	switch bpp {
	case 8, 24, 32:
		return nil
	}
	return fmt.Errorf("%w: --%s must be 8, 24 or 32, got %d", ErrInvalidOption, KeyBPP, bpp)
}

// WriteYAML renders c as YAML.
func (c StreamConfig) WriteYAML(w io.Writer) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(c); err != nil {
		return err
	}
	return encoder.Close()
}
