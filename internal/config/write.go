package config

import (
	"fmt"
	"path/filepath"
	"slices"

	"github.com/MarkoPoloResearchLab/oregate/pkg/budget"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const (
	filePermissions      = 0o644
	directoryPermissions = 0o755
)

type documentMaterial struct {
	Material string `yaml:"material"`
	Cost     int64  `yaml:"cost"`
}

type documentStorage struct {
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
}

// document fixes the key order of the written file.
type document struct {
	Zones                []string           `yaml:"zones"`
	StartingPoints       int64              `yaml:"new_entity_starting_points"`
	PointsPerHour        int64              `yaml:"points_earned_per_hour"`
	MaximumPoints        int64              `yaml:"maximum_points"`
	ExemptCreativeMode   bool               `yaml:"exempt_creative_mode"`
	NotifyOnLimitReached bool               `yaml:"notify_on_limit_reached"`
	ProtectedMaterials   []documentMaterial `yaml:"protected_materials"`
	ReplenishPeriod      string             `yaml:"replenish_period"`
	SaveOnSpend          bool               `yaml:"save_on_spend"`
	JournalEntries       bool               `yaml:"journal_entries"`
	Storage              documentStorage    `yaml:"storage"`
	MessagesPath         string             `yaml:"messages_path"`
}

// Marshal renders the effective configuration as YAML.
func Marshal(config Config) ([]byte, error) {
	settings := config.Settings
	zones := make([]string, 0)
	for _, zone := range settings.EnabledZones.Zones() {
		zones = append(zones, zone.String())
	}
	slices.Sort(zones)
	materials := make([]documentMaterial, 0, len(settings.Policy))
	for _, entry := range settings.Policy {
		materials = append(materials, documentMaterial{Material: entry.Material.String(), Cost: entry.Cost.Int64()})
	}
	return yaml.Marshal(document{
		Zones:                zones,
		StartingPoints:       settings.StartingPoints.Int64(),
		PointsPerHour:        settings.PointsPerHour.Int64(),
		MaximumPoints:        settings.MaxPoints.Int64(),
		ExemptCreativeMode:   settings.ExemptCreativeMode,
		NotifyOnLimitReached: settings.NotifyOnLimitReached,
		ProtectedMaterials:   materials,
		ReplenishPeriod:      settings.ReplenishPeriod.String(),
		SaveOnSpend:          settings.SaveOnSpend,
		JournalEntries:       settings.JournalEntries,
		Storage:              documentStorage{Driver: config.Storage.Driver, URL: config.Storage.URL},
		MessagesPath:         config.MessagesPath,
	})
}

// Write stores the effective configuration at path, creating parent directories.
func Write(fileSystem afero.Fs, path string, config Config) error {
	raw, err := Marshal(config)
	if err != nil {
		return budget.WrapError(errorOperation, errorSubjectFile, "marshal", err)
	}
	if err := fileSystem.MkdirAll(filepath.Dir(path), directoryPermissions); err != nil {
		return budget.WrapError(errorOperation, errorSubjectFile, "mkdir", fmt.Errorf("%s: %w", path, err))
	}
	if err := afero.WriteFile(fileSystem, path, raw, filePermissions); err != nil {
		return budget.WrapError(errorOperation, errorSubjectFile, "write", fmt.Errorf("%s: %w", path, err))
	}
	return nil
}
