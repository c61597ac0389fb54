package notify

import (
	"context"
	"fmt"
	"os"
	"strings"

	"pricealerts/internal/models"

	"gopkg.in/yaml.v3"
)

// Directory resolves the destinations an owner's alerts go to.
type Directory interface {
	Contacts(ctx context.Context, ownerID string) ([]models.Contact, error)
}

// FileDirectory is a Directory loaded from a YAML file of the form
//
//	default:
//	  - {channel: sms, address: "+15550001"}
//	owners:
//	  user-1:
//	    - {channel: email, address: a@example.com}
//
// Owners without an entry get the default contacts.
type FileDirectory struct {
	Default []models.Contact            `yaml:"default"`
	Owners  map[string][]models.Contact `yaml:"owners"`
}

// LoadFileDirectory reads and validates a contacts file.
func LoadFileDirectory(path string) (*FileDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read contacts file '%s': %w", path, err)
	}

	var dir FileDirectory
	if err := yaml.Unmarshal(data, &dir); err != nil {
		return nil, fmt.Errorf("failed to parse contacts from YAML: %w", err)
	}

	for _, c := range dir.Default {
		if err := validateContact(c); err != nil {
			return nil, fmt.Errorf("default contact: %w", err)
		}
	}
	for owner, contacts := range dir.Owners {
		for _, c := range contacts {
			if err := validateContact(c); err != nil {
				return nil, fmt.Errorf("owner %s: %w", owner, err)
			}
		}
	}

	return &dir, nil
}

// NewStaticDirectory sends every owner's alerts to the same contacts.
func NewStaticDirectory(contacts []models.Contact) *FileDirectory {
	return &FileDirectory{Default: contacts}
}

func (d *FileDirectory) Contacts(_ context.Context, ownerID string) ([]models.Contact, error) {
	if contacts, ok := d.Owners[ownerID]; ok {
		return contacts, nil
	}
	return d.Default, nil
}

// ParseContact parses "channel:address", e.g. "sms:+15550001".
func ParseContact(s string) (models.Contact, error) {
	channel, address, found := strings.Cut(strings.TrimSpace(s), ":")
	if !found {
		return models.Contact{}, fmt.Errorf("contact %q: expected channel:address", s)
	}
	c := models.Contact{
		Channel: strings.ToLower(strings.TrimSpace(channel)),
		Address: strings.TrimSpace(address),
	}
	if err := validateContact(c); err != nil {
		return models.Contact{}, err
	}
	return c, nil
}

// ParseContacts parses a list of "channel:address" entries.
func ParseContacts(entries []string) ([]models.Contact, error) {
	out := make([]models.Contact, 0, len(entries))
	for _, e := range entries {
		c, err := ParseContact(e)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func validateContact(c models.Contact) error {
	if c.Channel == "" || c.Address == "" {
		return fmt.Errorf("contact %+v: channel and address are required", c)
	}
	return nil
}
