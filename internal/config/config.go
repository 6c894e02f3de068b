// Package config reads the optional TOML configuration file of the seeder.
// Values from the file act as defaults that flags and environment variables
// override.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"
)

type Store struct {
	Path   string `toml:"path"`
	DBName string `toml:"dbName"`
}

type Swarm struct {
	Addr      string   `toml:"addr"`
	TopicKey  string   `toml:"topicKey"`
	Seed      string   `toml:"seed"`
	Bootstrap []string `toml:"bootstrap"`
}

type Lifespan struct {
	Empty string `toml:"empty"`
	Full  string `toml:"full"`
}

type HTTP struct {
	Addr string `toml:"addr"`
}

type File struct {
	Store    Store    `toml:"store"`
	Swarm    Swarm    `toml:"swarm"`
	Lifespan Lifespan `toml:"lifespan"`
	HTTP     HTTP     `toml:"http"`
}

// Load parses the file at path. An empty path or a missing file yields a zero
// File so that callers can fall through to their built in defaults.
func Load(fs afero.Fs, path string) (File, error) {
	if path == "" {
		return File{}, nil
	}
	b, err := afero.ReadFile(fs, path)
	if errors.Is(err, os.ErrNotExist) {
		return File{}, nil
	}
	if err != nil {
		return File{}, err
	}
	f := File{}
	if err := toml.Unmarshal(b, &f); err != nil {
		return File{}, fmt.Errorf("could not parse config file %s: %w", path, err)
	}
	return f, nil
}

// FirstNonEmpty returns the first value that is not the empty string.
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
