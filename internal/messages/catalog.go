// Package messages loads the player and admin message templates.
package messages

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/oregate/pkg/host"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	textCantBreakYet      = "Wow, you're good at mining!  You have to wait about {0} minutes to break this block.  If you wait longer, you can mine even more of this.  Consider taking a break from mining to do something else, like building or exploring.  This mining speed limit keeps our ores safe from cheaters.  :)"
	notesCantBreakYet     = "0: minutes until the block can be broken"
	textAdminNotification = "{0} reached the mining speed limit."
	notesAdminNotify      = "0: player name"

	filePermissions      = 0o644
	directoryPermissions = 0o755
)

type template struct {
	Text  string `yaml:"text"`
	Notes string `yaml:"notes,omitempty"`
}

type document struct {
	Messages map[string]template `yaml:"messages"`
}

// legacyTemplate and legacyDocument read the capitalized Messages.<ID>.Text
// layout used by older plugin installs.
type legacyTemplate struct {
	Text  string `yaml:"Text"`
	Notes string `yaml:"Notes"`
}

type legacyDocument struct {
	Messages map[string]legacyTemplate `yaml:"Messages"`
}

// storedTemplate returns the template for id, preferring the current layout.
func storedTemplate(current document, legacy legacyDocument, id host.MessageID) (template, bool, bool) {
	if found, ok := current.Messages[string(id)]; ok && strings.TrimSpace(found.Text) != "" {
		return found, true, false
	}
	if found, ok := legacy.Messages[string(id)]; ok && strings.TrimSpace(found.Text) != "" {
		return template{Text: found.Text, Notes: found.Notes}, true, true
	}
	return template{}, false, false
}

// Catalog renders message templates with {0}, {1}, ... placeholders.
type Catalog struct {
	templates map[host.MessageID]template
}

func defaults() map[host.MessageID]template {
	return map[host.MessageID]template{
		host.MessageCantBreakYet:      {Text: textCantBreakYet, Notes: notesCantBreakYet},
		host.MessageAdminNotification: {Text: textAdminNotification, Notes: notesAdminNotify},
	}
}

// Default returns the built-in catalog.
func Default() *Catalog {
	return &Catalog{templates: defaults()}
}

// Load reads templates from path, fills in missing ones from the defaults and
// writes the merged file back so admins can see every customizable message.
// A malformed file is logged and ignored.
func Load(fileSystem afero.Fs, path string, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	catalog := Default()
	if strings.TrimSpace(path) == "" {
		return catalog
	}

	var (
		stored document
		legacy legacyDocument
	)
	raw, readErr := afero.ReadFile(fileSystem, path)
	switch {
	case readErr == nil:
		if err := yaml.Unmarshal(raw, &stored); err != nil {
			logger.Error("message templates unreadable, using defaults", zap.String("path", path), zap.Error(err))
			return catalog
		}
		if err := yaml.Unmarshal(raw, &legacy); err != nil {
			logger.Error("message templates unreadable, using defaults", zap.String("path", path), zap.Error(err))
			return catalog
		}
	default:
		exists, _ := afero.Exists(fileSystem, path)
		if exists {
			logger.Error("message templates unreadable, using defaults", zap.String("path", path), zap.Error(readErr))
			return catalog
		}
	}

	for _, messageID := range host.MessageIDs() {
		custom, found, fromLegacy := storedTemplate(stored, legacy, messageID)
		if !found {
			continue
		}
		if fromLegacy {
			logger.Info("migrating legacy message template", zap.String("path", path), zap.String("message_id", string(messageID)))
		}
		merged := catalog.templates[messageID]
		merged.Text = custom.Text
		if custom.Notes != "" {
			merged.Notes = custom.Notes
		}
		catalog.templates[messageID] = merged
	}

	if err := catalog.write(fileSystem, path); err != nil {
		logger.Warn("unable to write message templates", zap.String("path", path), zap.Error(err))
	}
	return catalog
}

func (catalog *Catalog) write(fileSystem afero.Fs, path string) error {
	output := document{Messages: make(map[string]template, len(catalog.templates))}
	for messageID, messageTemplate := range catalog.templates {
		output.Messages[string(messageID)] = messageTemplate
	}
	encoded, err := yaml.Marshal(output)
	if err != nil {
		return fmt.Errorf("encode message templates: %w", err)
	}
	if err := fileSystem.MkdirAll(filepath.Dir(path), directoryPermissions); err != nil {
		return err
	}
	return afero.WriteFile(fileSystem, path, encoded, filePermissions)
}

// Format renders the template for id, substituting {i} with args[i].
func (catalog *Catalog) Format(id host.MessageID, args ...string) string {
	messageTemplate, found := catalog.templates[id]
	if !found {
		return "Missing message!  ID: " + string(id) + ".  Please contact a server admin."
	}
	message := messageTemplate.Text
	for index, argument := range args {
		message = strings.ReplaceAll(message, "{"+strconv.Itoa(index)+"}", argument)
	}
	return message
}

var _ host.MessageFormatter = (*Catalog)(nil)
