package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"swarm-dl/internal/downloader"
)

// LoadSessions reads a YAML list of credentials:
//
//	- id: primary
//	  token: abc
//	- id: mirror
//	  token: def
func LoadSessions(path string) ([]downloader.Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sessions file: %w", err)
	}
	var creds []downloader.Credential
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse sessions file: %w", err)
	}
	for i := range creds {
		if creds[i].ID == "" {
			creds[i].ID = fmt.Sprintf("session-%d", i+1)
		}
	}
	return creds, nil
}
