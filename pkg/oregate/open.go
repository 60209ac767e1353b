package oregate

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/MarkoPoloResearchLab/oregate/internal/config"
	"github.com/MarkoPoloResearchLab/oregate/internal/messages"
	"github.com/MarkoPoloResearchLab/oregate/internal/store"
	"github.com/MarkoPoloResearchLab/oregate/pkg/budget"
	"github.com/MarkoPoloResearchLab/oregate/pkg/host"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Known lists the zones and materials the host recognizes; unknown names in the
// configuration file are reported and skipped. Empty lists accept every name.
type Known = config.Known

// OpenOptions locates the configuration and supplies the host collaborators.
type OpenOptions struct {
	// ConfigPath is the YAML configuration file. Relative messages and flat-file
	// store paths are resolved against its directory.
	ConfigPath string
	// FileSystem defaults to the OS filesystem.
	FileSystem afero.Fs
	Known      Known
	Presence   host.Presence
	Notifier   host.Notifier
	Logger     *zap.Logger
	Now        func() int64
}

// Open loads the configuration and message templates, opens the configured store
// and wires a Runtime.
func Open(ctx context.Context, options OpenOptions) (*Runtime, error) {
	fileSystem := options.FileSystem
	if fileSystem == nil {
		fileSystem = afero.NewOsFs()
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	loaded, err := config.NewLoader(fileSystem, options.Known, logger.Named("config")).Load(options.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	baseDirectory := filepath.Dir(options.ConfigPath)
	catalog := messages.Load(fileSystem, resolvePath(baseDirectory, loaded.MessagesPath), logger.Named("messages"))

	storeOptions := store.Options{Driver: loaded.Storage.Driver, URL: loaded.Storage.URL, FileSystem: fileSystem}
	if storeOptions.Driver == store.DriverFile {
		storeOptions.URL = resolvePath(baseDirectory, storeOptions.URL)
	}
	recordStore, err := store.Open(ctx, storeOptions, logger.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	runtime, err := New(Dependencies{
		Settings: loaded.Settings,
		Store:    recordStore,
		Presence: options.Presence,
		Notifier: options.Notifier,
		Messages: catalog,
		Logger:   logger,
		Now:      options.Now,
	})
	if err != nil {
		_ = recordStore.Close()
		return nil, err
	}
	return runtime, nil
}

// ReloadFrom re-reads the configuration file and swaps the settings in place.
// Storage and message changes take effect on the next Open.
func (runtime *Runtime) ReloadFrom(fileSystem afero.Fs, path string, known Known) (budget.Settings, error) {
	if fileSystem == nil {
		fileSystem = afero.NewOsFs()
	}
	loaded, err := config.NewLoader(fileSystem, known, runtime.logger.Named("config")).Load(path)
	if err != nil {
		return budget.Settings{}, err
	}
	if err := runtime.Reload(loaded.Settings); err != nil {
		return budget.Settings{}, err
	}
	return loaded.Settings, nil
}

func resolvePath(baseDirectory string, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDirectory, path)
}
