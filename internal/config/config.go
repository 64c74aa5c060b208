package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/audiolibrelab/spatialcapture/internal/audio"
	"github.com/audiolibrelab/spatialcapture/internal/merge"
	"github.com/audiolibrelab/spatialcapture/internal/pointcloud"
	"github.com/audiolibrelab/spatialcapture/internal/recording"
	"github.com/audiolibrelab/spatialcapture/internal/source"
	"github.com/audiolibrelab/spatialcapture/internal/video"
)

// EnvPrefix is the prefix of environment variables that override file values.
const EnvPrefix = "SPATIALCAPTURE"

// DefaultPath is where the config file lives unless --config says otherwise.
func DefaultPath() string {
	return os.ExpandEnv("$HOME/.config/spatialcapture.yaml")
}

type DefinitionsConfig struct {
	Inputs []InputDefinition `mapstructure:"inputs" yaml:"inputs"`
}

// InputDefinition is a named audio input that profiles refer to by ID.
type InputDefinition struct {
	ID       string `mapstructure:"id" yaml:"id"`
	Name     string `mapstructure:"name" yaml:"name"`
	Backend  string `mapstructure:"backend" yaml:"backend"`
	Source   string `mapstructure:"source" yaml:"source"`
	Channels int    `mapstructure:"channels" yaml:"channels"`
}

type GlobalsConfig struct {
	Output OutputConfig `mapstructure:"output" yaml:"output"`
}

type RootConfig struct {
	ActiveConfig string                    `mapstructure:"active_config" yaml:"active_config"`
	Globals      *GlobalsConfig            `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Definitions  *DefinitionsConfig        `mapstructure:"definitions,omitempty" yaml:"definitions,omitempty"`
	Configs      map[string]*ConfigProfile `mapstructure:"configs" yaml:"configs"`
}

// AudioReference selects an input definition and overrides its encoding.
type AudioReference struct {
	Input      string `mapstructure:"input" yaml:"input"`
	SampleRate int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	Quality    string `mapstructure:"quality" yaml:"quality"`
}

// PointCloudProfile is the pointcloud section of a profile. FlushOnStop is
// nil when the profile leaves it unset.
type PointCloudProfile struct {
	FlushInterval time.Duration         `mapstructure:"flush_interval" yaml:"flush_interval"`
	Order         pointcloud.FlushOrder `mapstructure:"order" yaml:"order"`
	Policy        pointcloud.Policy     `mapstructure:"policy" yaml:"policy"`
	FlushOnStop   *bool                 `mapstructure:"flush_on_stop" yaml:"flush_on_stop,omitempty"`
	QueueSize     int                   `mapstructure:"queue_size" yaml:"queue_size"`
}

type ConfigProfile struct {
	Audio      AudioReference         `mapstructure:"audio" yaml:"audio"`
	Video      video.Settings         `mapstructure:"video" yaml:"video"`
	PointCloud PointCloudProfile      `mapstructure:"pointcloud" yaml:"pointcloud"`
	Merge      MergeConfig            `mapstructure:"merge" yaml:"merge"`
	Timestamps string                 `mapstructure:"timestamps" yaml:"timestamps"`
	Source     source.SyntheticConfig `mapstructure:"source" yaml:"source"`
	Output     OutputConfig           `mapstructure:"output" yaml:"output"`
	Logging    LoggingConfig          `mapstructure:"logging" yaml:"logging"`
}

// Config is a resolved profile.
type Config struct {
	Profile    string                       `mapstructure:"-" yaml:"profile"`
	Output     OutputConfig                 `mapstructure:"output" yaml:"output"`
	Audio      audio.Settings               `mapstructure:"audio" yaml:"audio"`
	Video      video.Settings               `mapstructure:"video" yaml:"video"`
	PointCloud recording.PointCloudSettings `mapstructure:"pointcloud" yaml:"pointcloud"`
	Merge      MergeConfig                  `mapstructure:"merge" yaml:"merge"`
	Timestamps string                       `mapstructure:"timestamps" yaml:"timestamps"`
	Source     source.SyntheticConfig       `mapstructure:"source" yaml:"source"`
	Logging    LoggingConfig                `mapstructure:"logging" yaml:"logging"`

	// Internal field to track inheritance information for info command
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`

	// set when a profile gave flush_on_stop explicitly
	flushOnStopSet bool
}

type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
}

type MergeConfig struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type LoggingConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// Field origins reported by the info command.
const (
	Inherited       = "inherited"
	ProfileSpecific = "profile-specific"
)

type InheritanceInfo struct {
	Audio struct {
		Input      string
		SampleRate string
		Quality    string
	}
	Video struct {
		Size      string
		FPS       string
		Container string
	}
	PointCloud struct {
		FlushInterval string
		Order         string
		Policy        string
		FlushOnStop   string
	}
	Merge struct {
		Timeout string
	}
	Output struct {
		Directory string
	}
}

// Default returns the built-in configuration used when no file exists.
func Default() *Config {
	return &Config{
		Profile: "default",
		Output:  OutputConfig{Directory: filepath.Join(os.Getenv("HOME"), "Videos", "SpatialCapture")},
		Audio:   audio.DefaultSettings,
		Video:   video.DefaultSettings,
		PointCloud: recording.PointCloudSettings{
			FlushInterval: pointcloud.DefaultFlushInterval,
			Order:         pointcloud.OrderPostAppend,
			Policy:        pointcloud.PolicyOverwrite,
			FlushOnStop:   false,
			QueueSize:     4,
		},
		Merge:      MergeConfig{Timeout: merge.DefaultTimeout},
		Timestamps: string(video.TimestampClamp),
		Source:     source.DefaultSyntheticConfig,
		Logging:    LoggingConfig{MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 28},
	}
}

func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	// Validate configuration format first
	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return Resolve(rootConfig, profile)
}

// Resolve selects a profile from rootConfig, layers it over the default
// profile and the built-in defaults, and validates the result.
func Resolve(rootConfig *RootConfig, profile string) (*Config, error) {
	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	selectedProfile, exists := rootConfig.Configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	selectedConfig, err := convertProfileToConfig(selectedProfile, rootConfig.Definitions)
	if err != nil {
		return nil, fmt.Errorf("error resolving configuration profile '%s': %w", configName, err)
	}

	if configName != "default" {
		if defaultProfile, exists := rootConfig.Configs["default"]; exists {
			defaultConfig, err := convertProfileToConfig(defaultProfile, rootConfig.Definitions)
			if err != nil {
				return nil, fmt.Errorf("error resolving default configuration: %w", err)
			}
			selectedConfig = mergeConfigs(defaultConfig, selectedConfig)
		}
	}

	// built-in defaults fill whatever neither profile set
	inheritance := selectedConfig.Inheritance
	selectedConfig = mergeConfigs(Default(), selectedConfig)
	selectedConfig.Profile = configName
	if inheritance != nil {
		selectedConfig.Inheritance = inheritance
	}

	// Global output directory takes priority over profile-specific directory
	if rootConfig.Globals != nil && rootConfig.Globals.Output.Directory != "" {
		selectedConfig.Output.Directory = rootConfig.Globals.Output.Directory
	}
	selectedConfig.Output.Directory = expandPath(selectedConfig.Output.Directory)
	selectedConfig.Logging.File = expandPath(selectedConfig.Logging.File)

	if err := Validate(selectedConfig); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return selectedConfig, nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	// Create a new viper instance to avoid interfering with the global one
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	if _, ok := rootConfig.Configs[newActiveConfig]; !ok {
		return fmt.Errorf("configuration profile '%s' not found", newActiveConfig)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// Profiles returns the profile names in configFile and the active one.
func Profiles(configFile string) ([]string, string, error) {
	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, "", fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, "", fmt.Errorf("error unmarshaling config: %w", err)
	}

	names := make([]string, 0, len(rootConfig.Configs))
	for name := range rootConfig.Configs {
		names = append(names, name)
	}
	sort.Strings(names)

	active := rootConfig.ActiveConfig
	if active == "" {
		active = "default"
	}
	return names, active, nil
}

// convertProfileToConfig converts a ConfigProfile to Config by resolving the audio input reference
func convertProfileToConfig(profile *ConfigProfile, definitions *DefinitionsConfig) (*Config, error) {
	if profile == nil {
		return nil, fmt.Errorf("profile cannot be nil")
	}

	config := &Config{
		Video: profile.Video,
		PointCloud: recording.PointCloudSettings{
			FlushInterval: profile.PointCloud.FlushInterval,
			Order:         profile.PointCloud.Order,
			Policy:        profile.PointCloud.Policy,
			QueueSize:     profile.PointCloud.QueueSize,
		},
		Merge:      profile.Merge,
		Timestamps: profile.Timestamps,
		Source:     profile.Source,
		Output:     profile.Output,
		Logging:    profile.Logging,
	}

	if v := profile.PointCloud.FlushOnStop; v != nil {
		config.PointCloud.FlushOnStop = *v
		config.flushOnStopSet = true
	}

	if ref := profile.Audio.Input; ref != "" {
		definition := findInput(definitions, ref)
		if definition == nil {
			return nil, fmt.Errorf("audio: input '%s' not found in definitions", ref)
		}
		config.Audio.Backend = definition.Backend
		config.Audio.Source = definition.Source
		config.Audio.Channels = definition.Channels
	}
	config.Audio.SampleRate = profile.Audio.SampleRate
	config.Audio.Quality = audio.Quality(profile.Audio.Quality)

	return config, nil
}

func findInput(definitions *DefinitionsConfig, id string) *InputDefinition {
	if definitions == nil {
		return nil
	}
	for i := range definitions.Inputs {
		if definitions.Inputs[i].ID == id {
			return &definitions.Inputs[i]
		}
	}
	return nil
}

// mergeConfigs implements the fallback inheritance model: every field the
// profile leaves unset takes the base value, and the origin of the fields
// shown by the info command is recorded.
func mergeConfigs(base, profile *Config) *Config {
	result := &Config{}
	if base != nil {
		*result = *base
	}
	result.Inheritance = &InheritanceInfo{}

	inh := result.Inheritance
	inh.Audio.Input, inh.Audio.SampleRate, inh.Audio.Quality = Inherited, Inherited, Inherited
	inh.Video.Size, inh.Video.FPS, inh.Video.Container = Inherited, Inherited, Inherited
	inh.PointCloud.FlushInterval, inh.PointCloud.Order, inh.PointCloud.Policy = Inherited, Inherited, Inherited
	inh.PointCloud.FlushOnStop = Inherited
	inh.Merge.Timeout = Inherited
	inh.Output.Directory = Inherited

	if profile == nil {
		return result
	}
	result.Profile = profile.Profile

	// the audio input travels as a unit
	if profile.Audio.Backend != "" || profile.Audio.Source != "" || profile.Audio.Channels != 0 {
		result.Audio.Backend = profile.Audio.Backend
		result.Audio.Source = profile.Audio.Source
		result.Audio.Channels = profile.Audio.Channels
		inh.Audio.Input = ProfileSpecific
	}
	if profile.Audio.SampleRate != 0 {
		result.Audio.SampleRate = profile.Audio.SampleRate
		inh.Audio.SampleRate = ProfileSpecific
	}
	if profile.Audio.Quality != "" {
		result.Audio.Quality = profile.Audio.Quality
		inh.Audio.Quality = ProfileSpecific
	}

	if profile.Video.Codec != "" {
		result.Video.Codec = profile.Video.Codec
	}
	if profile.Video.Width != 0 || profile.Video.Height != 0 {
		result.Video.Width = profile.Video.Width
		result.Video.Height = profile.Video.Height
		inh.Video.Size = ProfileSpecific
	}
	if profile.Video.FPS != 0 {
		result.Video.FPS = profile.Video.FPS
		inh.Video.FPS = ProfileSpecific
	}
	if profile.Video.Container != "" {
		result.Video.Container = profile.Video.Container
		inh.Video.Container = ProfileSpecific
	}
	if profile.Video.PixelFormat != "" {
		result.Video.PixelFormat = profile.Video.PixelFormat
	}
	if profile.Video.QueueSize != 0 {
		result.Video.QueueSize = profile.Video.QueueSize
	}

	if profile.PointCloud.FlushInterval != 0 {
		result.PointCloud.FlushInterval = profile.PointCloud.FlushInterval
		inh.PointCloud.FlushInterval = ProfileSpecific
	}
	if profile.PointCloud.Order != "" {
		result.PointCloud.Order = profile.PointCloud.Order
		inh.PointCloud.Order = ProfileSpecific
	}
	if profile.PointCloud.Policy != "" {
		result.PointCloud.Policy = profile.PointCloud.Policy
		inh.PointCloud.Policy = ProfileSpecific
	}
	if profile.PointCloud.QueueSize != 0 {
		result.PointCloud.QueueSize = profile.PointCloud.QueueSize
	}
	if profile.flushOnStopSet {
		result.PointCloud.FlushOnStop = profile.PointCloud.FlushOnStop
		result.flushOnStopSet = true
		inh.PointCloud.FlushOnStop = ProfileSpecific
	}

	if profile.Merge.Timeout != 0 {
		result.Merge.Timeout = profile.Merge.Timeout
		inh.Merge.Timeout = ProfileSpecific
	}
	if profile.Timestamps != "" {
		result.Timestamps = profile.Timestamps
	}

	// synthetic frames always take the video size and rate
	if profile.Source.PointsPerFrame != 0 {
		result.Source.PointsPerFrame = profile.Source.PointsPerFrame
	}
	if profile.Source.Seed != 0 {
		result.Source.Seed = profile.Source.Seed
	}
	if profile.Source.OrbitRadius != 0 {
		result.Source.OrbitRadius = profile.Source.OrbitRadius
	}
	if profile.Source.OrbitPeriod != 0 {
		result.Source.OrbitPeriod = profile.Source.OrbitPeriod
	}

	if profile.Output.Directory != "" {
		result.Output.Directory = profile.Output.Directory
		inh.Output.Directory = ProfileSpecific
	}

	if profile.Logging.File != "" {
		result.Logging.File = profile.Logging.File
	}
	if profile.Logging.MaxSizeMB != 0 {
		result.Logging.MaxSizeMB = profile.Logging.MaxSizeMB
	}
	if profile.Logging.MaxBackups != 0 {
		result.Logging.MaxBackups = profile.Logging.MaxBackups
	}
	if profile.Logging.MaxAgeDays != 0 {
		result.Logging.MaxAgeDays = profile.Logging.MaxAgeDays
	}

	return result
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// ValidateConfigurationFormat validates the configuration file format and returns parsed config
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	viper.SetConfigFile(configFile)

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := viper.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateDefinitions(rootConfig.Definitions); err != nil {
		return nil, fmt.Errorf("invalid definitions: %w", err)
	}

	if len(rootConfig.Configs) == 0 {
		return nil, fmt.Errorf("configs section cannot be empty")
	}

	for configName, configProfile := range rootConfig.Configs {
		if err := validateInputReference(configProfile, rootConfig.Definitions); err != nil {
			return nil, fmt.Errorf("invalid config '%s': %w", configName, err)
		}
	}

	return &rootConfig, nil
}
