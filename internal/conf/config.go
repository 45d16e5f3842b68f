// Package conf loads and persists application settings through viper.
package conf

import (
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Settings contains all configuration options for the detection management core.
type Settings struct {
	Debug bool // true to enable debug mode

	// Runtime values, not stored in config file
	Version   string `yaml:"-"` // Version from build
	BuildDate string `yaml:"-"` // Build date from build

	Main struct {
		Name string    // name of this node, used to identify the source of results
		Log  LogConfig // logging configuration
	}

	Processing ProcessingConfig // continuous waveform preparation settings

	LagCalc LagCalcConfig // cross-correlation pick refinement settings

	Output struct {
		File struct {
			Enabled bool   // true to enable file output
			Path    string // directory to output results
			Type    string // table, csv or json
		}

		SQLite struct {
			Enabled bool   // true to enable sqlite output
			Path    string // path to sqlite database
		}

		MySQL struct {
			Enabled  bool   // true to enable mysql output
			Username string // username for mysql database
			Password string // password for mysql database
			Database string // database name for mysql database
			Host     string // host for mysql database
			Port     string // port for mysql database
		}
	}
}

// ProcessingConfig defines how raw continuous data is prepared per template.
type ProcessingConfig struct {
	Workers       int  // number of parallel channel processors, 0 uses all CPUs
	IgnoreLength  bool // accept channels with poor data coverage
	IgnoreBadData bool // drop unusable channels instead of failing the run
}

// LagCalcConfig defines the pick refinement parameters.
type LagCalcConfig struct {
	ShiftLen            float64  // seconds of allowed shift around the detection time
	MinCC               float64  // minimum correlation for an accepted pick
	MinCCFromMeanFactor float64  // scales the per-detection threshold from its mean channel correlation, 0 to disable
	HorizontalChans     []string // channel code suffixes treated as horizontal components
	VerticalChans       []string // channel code suffixes treated as vertical components
	Interpolate         bool     // refine pick times to sub-sample precision
	ExportCC            bool     // write raw correlation series per detection
	CCDir               string   // directory for exported correlation series
	Workers             int      // number of detections refined in parallel, 0 uses all CPUs
}

// LogConfig defines the configuration for a log file
type LogConfig struct {
	Enabled     bool         // true to enable this log
	Path        string       // Path to the log file
	Rotation    RotationType // Type of log rotation
	MaxSize     int64        // Max size in bytes for RotationSize
	RotationDay string       // Day of the week for RotationWeekly (as a string: "Sunday", "Monday", etc.)
}

// RotationType defines different types of log rotations.
type RotationType string

const (
	RotationDaily  RotationType = "daily"
	RotationWeekly RotationType = "weekly"
	RotationSize   RotationType = "size"
)

// settingsInstance is the current settings instance
var (
	settingsInstance *Settings
	once             sync.Once
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file and environment variables into a new
// Settings instance and installs it as the current one.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// LoadFrom reads the configuration from an explicit file instead of the
// default search paths and installs it as the current settings. An empty
// path behaves exactly like Load.
func LoadFrom(configPath string) (*Settings, error) {
	if configPath == "" {
		return Load()
	}

	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	setDefaultConfig()
	viper.SetConfigFile(configPath)
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("fatal error reading config file: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper initializes viper with default values and reads the configuration file.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}

	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	// Set default values for each configuration parameter
	// function defined in defaults.go
	setDefaultConfig()

	err = viper.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			// No config file is fine for library use, defaults apply
			slog.Debug("No config file found, using defaults")
			return nil
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// GetDefaultConfigPaths returns the config search paths in priority order.
func GetDefaultConfigPaths() ([]string, error) {
	paths := []string{"."}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Home directory may be unavailable in minimal environments
		return paths, nil
	}
	paths = append(paths, filepath.Join(homeDir, ".config", "quakescan"))

	return paths, nil
}

// FindConfigFile returns the path of the active config file, or the default
// location when no file has been read yet.
func FindConfigFile() (string, error) {
	if used := viper.ConfigFileUsed(); used != "" {
		return used, nil
	}

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return "", fmt.Errorf("error getting default config paths: %w", err)
	}
	return filepath.Join(configPaths[0], "config.yaml"), nil
}

// GetSettings returns the current settings instance
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// SaveSettings saves the current settings to the configuration file.
// It uses SaveYAMLConfig to handle the atomic write process.
func SaveSettings() error {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()

	if settingsInstance == nil {
		return fmt.Errorf("no settings loaded")
	}

	// Copy so slices written to disk cannot race with readers
	settingsCopy := *settingsInstance
	settingsCopy.LagCalc.HorizontalChans = append([]string(nil), settingsInstance.LagCalc.HorizontalChans...)
	settingsCopy.LagCalc.VerticalChans = append([]string(nil), settingsInstance.LagCalc.VerticalChans...)

	configPath, err := FindConfigFile()
	if err != nil {
		return fmt.Errorf("error finding config file: %w", err)
	}

	if err := SaveYAMLConfig(configPath, &settingsCopy); err != nil {
		return fmt.Errorf("error saving config: %w", err)
	}

	slog.Info("Settings saved", "path", configPath)
	return nil
}

// Setting returns the current settings instance, initializing it if necessary
func Setting() *Settings {
	once.Do(func() {
		if settingsInstance == nil {
			_, err := Load()
			if err != nil {
				log.Fatalf("Error loading settings: %v", err)
			}
		}
	})
	return GetSettings()
}

// SaveYAMLConfig updates the YAML configuration file with new settings.
// It overwrites the existing file, not preserving comments or structure.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}

	// Write to a temporary file first so the replace is atomic
	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	defer os.Remove(tempFileName)

	if _, err := tempFile.Write(yamlData); err != nil {
		tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	if err := os.Rename(tempFileName, configPath); err != nil {
		// Rename can fail across filesystems, fall back to copy & delete
		if err := moveFile(tempFileName, configPath); err != nil {
			return fmt.Errorf("error copying config file: %w", err)
		}
	}

	return nil
}

// moveFile copies src to dst and removes src, for when rename is not possible.
func moveFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	return os.Remove(src)
}
