package config

import (
	"errors"
	"path/filepath"
	"strings"
)

const (
	defaultConfigDir  = "."
	defaultConfigName = ".tenantsync"
)

var ErrConfigExtension = errors.New("config: file must end in .yaml or .yml")

// Location is where viper looks for the YAML file: a directory and a name without
// extension.
type Location struct {
	Dir  string
	Name string
}

// LocateConfig resolves the TENANTSYNC_CONFIG_PATH value. An empty path means
// .tenantsync.yaml in the working directory.
func LocateConfig(path string) (Location, error) {
	if path == "" {
		return Location{Dir: defaultConfigDir, Name: defaultConfigName}, nil
	}

	dir, file := filepath.Split(filepath.Clean(path))
	ext := filepath.Ext(file)
	if ext != ".yaml" && ext != ".yml" {
		return Location{}, ErrConfigExtension
	}
	if dir == "" {
		dir = defaultConfigDir
	} else if dir != string(filepath.Separator) {
		dir = strings.TrimSuffix(dir, string(filepath.Separator))
	}
	return Location{Dir: dir, Name: file[:len(file)-len(ext)]}, nil
}
