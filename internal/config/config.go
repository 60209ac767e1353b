// Package config loads the gate configuration file into budget.Settings.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/oregate/pkg/budget"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	EnvPrefix = "OREGATE"

	KeyZones                = "zones"
	KeyStartingPoints       = "new_entity_starting_points"
	KeyPointsPerHour        = "points_earned_per_hour"
	KeyMaximumPoints        = "maximum_points"
	KeyExemptCreativeMode   = "exempt_creative_mode"
	KeyNotifyOnLimitReached = "notify_on_limit_reached"
	KeyProtectedMaterials   = "protected_materials"
	KeyReplenishPeriod      = "replenish_period"
	KeySaveOnSpend          = "save_on_spend"
	KeyJournalEntries       = "journal_entries"
	KeyStorageDriver        = "storage.driver"
	KeyStorageURL           = "storage.url"
	KeyMessagesPath         = "messages_path"

	DriverFile = "file"
	DriverGorm = "gorm"
	DriverPgx  = "pgx"

	DefaultStorageDriver = DriverFile
	DefaultStorageURL    = "players"
	DefaultMessagesPath  = "messages.yml"
)

const (
	errorOperation = "config"

	errorSubjectFile     = "file"
	errorSubjectZone     = "zone"
	errorSubjectMaterial = "protected_material"
	errorSubjectPoints   = "points"
	errorSubjectPeriod   = "replenish_period"
	errorSubjectStorage  = "storage"

	errorCodeUnreadable    = "unreadable"
	errorCodeUnknown       = "unknown"
	errorCodeInvalid       = "invalid"
	errorCodeNegativeCost  = "negative_cost"
	errorCodeOutOfRange    = "out_of_range"
	errorCodeNoneValid     = "none_valid"
	errorCodeUnknownDriver = "unknown_driver"
)

// Storage selects the record store.
type Storage struct {
	Driver string `mapstructure:"driver"`
	URL    string `mapstructure:"url"`
}

// ProtectedMaterial is one raw policy row.
type ProtectedMaterial struct {
	Material string `mapstructure:"material"`
	Cost     int64  `mapstructure:"cost"`
}

// File mirrors the configuration file layout.
type File struct {
	Zones                []string            `mapstructure:"zones"`
	StartingPoints       int64               `mapstructure:"new_entity_starting_points"`
	PointsPerHour        int64               `mapstructure:"points_earned_per_hour"`
	MaximumPoints        int64               `mapstructure:"maximum_points"`
	ExemptCreativeMode   bool                `mapstructure:"exempt_creative_mode"`
	NotifyOnLimitReached bool                `mapstructure:"notify_on_limit_reached"`
	ProtectedMaterials   []ProtectedMaterial `mapstructure:"protected_materials"`
	ReplenishPeriod      time.Duration       `mapstructure:"replenish_period"`
	SaveOnSpend          bool                `mapstructure:"save_on_spend"`
	JournalEntries       bool                `mapstructure:"journal_entries"`
	Storage              Storage             `mapstructure:"storage"`
	MessagesPath         string              `mapstructure:"messages_path"`
}

// Known lists the zones and materials the host recognizes. Empty lists disable the check.
type Known struct {
	Zones     []budget.Zone
	Materials []budget.Material
}

// Config is the normalized configuration.
type Config struct {
	Settings     budget.Settings
	Storage      Storage
	MessagesPath string
	// Issues holds every entry that was skipped or replaced by a default.
	Issues []error
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Settings:     budget.DefaultSettings(),
		Storage:      Storage{Driver: DefaultStorageDriver, URL: DefaultStorageURL},
		MessagesPath: DefaultMessagesPath,
	}
}

// Loader reads and normalizes configuration files.
type Loader struct {
	fileSystem afero.Fs
	known      Known
	logger     *zap.Logger
	readOnly   bool
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// ReadOnly makes Load leave the file on disk untouched.
func ReadOnly() LoaderOption {
	return func(loader *Loader) {
		loader.readOnly = true
	}
}

// NewLoader wires a Loader. A nil filesystem means the OS filesystem.
func NewLoader(fileSystem afero.Fs, known Known, logger *zap.Logger, options ...LoaderOption) *Loader {
	if fileSystem == nil {
		fileSystem = afero.NewOsFs()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	loader := &Loader{fileSystem: fileSystem, known: known, logger: logger}
	for _, option := range options {
		option(loader)
	}
	return loader
}

// Load reads path, applies OREGATE_* environment overrides, validates every entry and
// writes the effective configuration back unless the Loader is ReadOnly. Invalid entries are logged and replaced by
// defaults; Load only fails when the file cannot be written back.
// A file that cannot be parsed is left untouched.
func (loader *Loader) Load(path string) (Config, error) {
	reader := newViper(loader.fileSystem, path)
	exists, _ := afero.Exists(loader.fileSystem, path)
	if exists {
		if err := reader.ReadInConfig(); err != nil {
			issue := budget.WrapError(errorOperation, errorSubjectFile, errorCodeUnreadable, fmt.Errorf("%w: %s: %v", budget.ErrInvalidConfig, path, err))
			loader.logger.Error("config file unreadable, using defaults", zap.String("path", path), zap.Error(issue))
			config := Default()
			config.Issues = []error{issue}
			return config, nil
		}
	}

	var file File
	if err := reader.Unmarshal(&file); err != nil {
		issue := budget.WrapError(errorOperation, errorSubjectFile, errorCodeInvalid, fmt.Errorf("%w: %v", budget.ErrInvalidConfig, err))
		loader.logger.Error("config file malformed, using defaults", zap.String("path", path), zap.Error(issue))
		config := Default()
		config.Issues = []error{issue}
		return config, nil
	}

	config := loader.Normalize(file)
	for _, issue := range config.Issues {
		loader.logger.Warn("config entry replaced", zap.String("path", path), zap.Error(issue))
	}
	if loader.readOnly {
		return config, nil
	}
	if err := Write(loader.fileSystem, path, config); err != nil {
		return config, err
	}
	return config, nil
}

// Normalize validates raw file values and returns the effective configuration.
func (loader *Loader) Normalize(file File) Config {
	config := Default()
	var issues []error
	addIssue := func(subject string, code string, format string, args ...any) {
		issues = append(issues, budget.WrapError(errorOperation, subject, code, fmt.Errorf("%w: "+format, append([]any{budget.ErrInvalidConfig}, args...)...)))
	}

	zones := make([]budget.Zone, 0, len(file.Zones))
	for _, raw := range file.Zones {
		zone, err := budget.NewZone(raw)
		if err != nil {
			addIssue(errorSubjectZone, errorCodeInvalid, "zone %q: %v", raw, err)
			continue
		}
		if len(loader.known.Zones) > 0 && !slices.Contains(loader.known.Zones, zone) {
			addIssue(errorSubjectZone, errorCodeUnknown, "zone %q is not known to the host", raw)
			continue
		}
		if !slices.Contains(zones, zone) {
			zones = append(zones, zone)
		}
	}
	if len(file.Zones) > 0 && len(zones) == 0 {
		addIssue(errorSubjectZone, errorCodeNoneValid, "no configured zone is valid, applying to every zone")
	}
	config.Settings.EnabledZones = budget.NewZoneSet(zones...)

	settings := &config.Settings
	if file.PointsPerHour > 0 {
		settings.PointsPerHour = budget.Points(file.PointsPerHour)
	} else {
		addIssue(errorSubjectPoints, errorCodeOutOfRange, "%s must be positive, got %d", KeyPointsPerHour, file.PointsPerHour)
	}
	if file.MaximumPoints > 0 {
		settings.MaxPoints = budget.Points(file.MaximumPoints)
	} else {
		addIssue(errorSubjectPoints, errorCodeOutOfRange, "%s must be positive, got %d", KeyMaximumPoints, file.MaximumPoints)
	}
	settings.StartingPoints = budget.Points(file.StartingPoints)
	if settings.StartingPoints > settings.MaxPoints {
		addIssue(errorSubjectPoints, errorCodeOutOfRange, "%s %d exceeds %s %d", KeyStartingPoints, file.StartingPoints, KeyMaximumPoints, settings.MaxPoints)
		settings.StartingPoints = min(budget.DefaultStartingPoints, settings.MaxPoints)
	}
	if file.ReplenishPeriod > 0 {
		settings.ReplenishPeriod = file.ReplenishPeriod
	} else {
		addIssue(errorSubjectPeriod, errorCodeOutOfRange, "%s must be positive, got %s", KeyReplenishPeriod, file.ReplenishPeriod)
	}
	settings.ExemptCreativeMode = file.ExemptCreativeMode
	settings.NotifyOnLimitReached = file.NotifyOnLimitReached
	settings.SaveOnSpend = file.SaveOnSpend
	settings.JournalEntries = file.JournalEntries

	policy := make(budget.Policy, 0, len(file.ProtectedMaterials))
	for _, row := range file.ProtectedMaterials {
		material, err := budget.NewMaterial(row.Material)
		if err != nil {
			addIssue(errorSubjectMaterial, errorCodeInvalid, "material %q: %v", row.Material, err)
			continue
		}
		if len(loader.known.Materials) > 0 && !slices.Contains(loader.known.Materials, material) {
			addIssue(errorSubjectMaterial, errorCodeUnknown, "material %q is not known to the host", row.Material)
			continue
		}
		entry, err := budget.NewPolicyEntry(material, budget.Points(row.Cost))
		if err != nil {
			addIssue(errorSubjectMaterial, errorCodeNegativeCost, "material %s: %v", material, err)
			continue
		}
		policy = append(policy, entry)
	}
	if len(policy) == 0 {
		if len(file.ProtectedMaterials) > 0 {
			addIssue(errorSubjectMaterial, errorCodeNoneValid, "no protected material is valid, using the default table")
		}
		policy = budget.DefaultPolicy()
	}
	settings.Policy = policy

	driver := strings.ToLower(strings.TrimSpace(file.Storage.Driver))
	switch driver {
	case DriverFile, DriverGorm, DriverPgx:
		config.Storage.Driver = driver
	default:
		addIssue(errorSubjectStorage, errorCodeUnknownDriver, "storage driver %q, using %q", file.Storage.Driver, DefaultStorageDriver)
	}
	if url := strings.TrimSpace(file.Storage.URL); url != "" {
		config.Storage.URL = url
	}
	if messagesPath := strings.TrimSpace(file.MessagesPath); messagesPath != "" {
		config.MessagesPath = messagesPath
	}

	config.Issues = issues
	return config
}

// IsConfigError reports whether err came from configuration validation.
func IsConfigError(err error) bool {
	return errors.Is(err, budget.ErrInvalidConfig)
}

func newViper(fileSystem afero.Fs, path string) *viper.Viper {
	reader := viper.New()
	reader.SetFs(fileSystem)
	reader.SetConfigFile(path)
	reader.SetConfigType("yaml")
	reader.SetEnvPrefix(EnvPrefix)
	reader.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	reader.AutomaticEnv()

	defaults := budget.DefaultSettings()
	reader.SetDefault(KeyZones, []string{})
	reader.SetDefault(KeyStartingPoints, defaults.StartingPoints.Int64())
	reader.SetDefault(KeyPointsPerHour, defaults.PointsPerHour.Int64())
	reader.SetDefault(KeyMaximumPoints, defaults.MaxPoints.Int64())
	reader.SetDefault(KeyExemptCreativeMode, defaults.ExemptCreativeMode)
	reader.SetDefault(KeyNotifyOnLimitReached, defaults.NotifyOnLimitReached)
	reader.SetDefault(KeyProtectedMaterials, policyRows(defaults.Policy))
	reader.SetDefault(KeyReplenishPeriod, defaults.ReplenishPeriod.String())
	reader.SetDefault(KeySaveOnSpend, defaults.SaveOnSpend)
	reader.SetDefault(KeyJournalEntries, defaults.JournalEntries)
	reader.SetDefault(KeyStorageDriver, DefaultStorageDriver)
	reader.SetDefault(KeyStorageURL, DefaultStorageURL)
	reader.SetDefault(KeyMessagesPath, DefaultMessagesPath)
	return reader
}

func policyRows(policy budget.Policy) []map[string]any {
	rows := make([]map[string]any, 0, len(policy))
	for _, entry := range policy {
		rows = append(rows, map[string]any{"material": entry.Material.String(), "cost": entry.Cost.Int64()})
	}
	return rows
}
