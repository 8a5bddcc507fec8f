// Package config loads the optional YAML configuration file for download
// runs. Flags always take precedence; the file only provides defaults so a
// long-running mirror job can be restarted with a single command.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Download holds file-level defaults for the download command.
type Download struct {
	// InfoCSV is the path to the dataset manifest.
	InfoCSV string `yaml:"info_csv"`

	// TargetDir is the root directory cases are written to.
	TargetDir string `yaml:"target_dir"`

	// ParallelDownloads is the number of concurrent workers.
	ParallelDownloads int `yaml:"parallel_downloads"`

	// Username for the TCIA login. Leave empty to be prompted, or use
	// no_login for guest access.
	Username string `yaml:"username"`

	NoLogin           bool `yaml:"no_login"`
	SaveOriginalImage bool `yaml:"save_original_image"`
	SaveMetaDicoms    bool `yaml:"save_meta_dicoms"`
	SaveDicoms        bool `yaml:"save_dicoms"`
	SavePreview       bool `yaml:"save_preview"`

	// API endpoint overrides, mainly for mirrors and tests.
	APIURL   string `yaml:"api_url"`
	LoginURL string `yaml:"login_url"`
}

// File is the top-level configuration document.
type File struct {
	Download Download `yaml:"download"`
}

// Load reads and parses a configuration file. A missing file is not an
// error; it returns zero-valued defaults.
func Load(path string) (File, error) {
	var cfg File

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration to path as YAML.
func Save(path string, cfg File) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
