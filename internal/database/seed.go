package database

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// peerSeed mirrors one entry of the optional peers YAML file. The file stands
// in for the dashboard tier in headless deployments: peers listed there are
// upserted at startup, keyed by public key.
type peerSeed struct {
	Name       string `yaml:"name"`
	PublicKey  string `yaml:"public_key"`
	Interface  string `yaml:"interface"`
	Endpoint   string `yaml:"endpoint"`
	AllowedIPs string `yaml:"allowed_ips"`
	Active     *bool  `yaml:"active"`
}

// SeedPeersFromFile loads peer definitions from a YAML file and upserts them.
// Existing peers (matched by public key) are updated in place so repeated
// startups are idempotent. Returns the number of peers processed.
func SeedPeersFromFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read peers file: %w", err)
	}

	var seeds []peerSeed
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		return 0, fmt.Errorf("parse peers file: %w", err)
	}

	for i, s := range seeds {
		if s.PublicKey == "" || s.Name == "" || s.Interface == "" {
			return i, fmt.Errorf("peers file entry %d: name, public_key and interface are required", i)
		}
		active := true
		if s.Active != nil {
			active = *s.Active
		}

		var existing Peer
		err := DB.Where("public_key = ?", s.PublicKey).First(&existing).Error
		if err == nil {
			existing.Name = s.Name
			existing.Interface = s.Interface
			existing.Endpoint = s.Endpoint
			existing.AllowedIPs = s.AllowedIPs
			existing.Active = active
			if err := DB.Save(&existing).Error; err != nil {
				return i, fmt.Errorf("update peer %s: %w", s.Name, err)
			}
			continue
		}

		peer := Peer{
			Name:       s.Name,
			PublicKey:  s.PublicKey,
			Interface:  s.Interface,
			Endpoint:   s.Endpoint,
			AllowedIPs: s.AllowedIPs,
			Active:     active,
		}
		if err := DB.Create(&peer).Error; err != nil {
			return i, fmt.Errorf("create peer %s: %w", s.Name, err)
		}
	}

	return len(seeds), nil
}
