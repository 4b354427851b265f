package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	EnvLocalDir   = "BELLE2_LOCAL_DIR"
	EnvReleaseDir = "BELLE2_RELEASE_DIR"
)

// LoadEnv exports the variables of a dotenv file into the process
// environment. Variables that are already set win. A missing file is fine.
func LoadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Debug().Str("file", path).Msg("no release environment file")
			return nil
		}
		return fmt.Errorf("load env %s: %w", path, err)
	}
	log.Debug().Str("file", path).Msg("loaded release environment")
	return nil
}

// ApplyEnv fills release folders that the config leaves empty from the
// environment.
func (c *Config) ApplyEnv() {
	if c.Release.LocalDir == "" {
		c.Release.LocalDir = os.Getenv(EnvLocalDir)
	}
	if c.Release.CentralDir == "" {
		c.Release.CentralDir = os.Getenv(EnvReleaseDir)
	}
}
