// SPDX-License-Identifier: MIT

package nvidia

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/screenflux/screenflux/internal/log"
)

// Activation key discovery. The encode API may require a client key; we keep
// a candidate list assembled from the environment and key files found in the
// configuration directories. The empty key ("no key") is always a candidate:
// recent drivers accept sessions without one.

const keysEnvVar = "SFX_NVENC_CLIENT_KEY"

var (
	keysOnce   sync.Once
	cachedKeys []string
)

// LicenseKeys returns the candidate activation keys, ending with the empty
// key. The list is assembled once per process.
func LicenseKeys() []string {
	keysOnce.Do(func() {
		cachedKeys = loadLicenseKeys(confDirs())
	})
	return cachedKeys
}

func confDirs() []string {
	dirs := []string{"/etc/screenflux"}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", "screenflux"))
	}
	if d := os.Getenv("SFX_CONF_DIR"); d != "" {
		dirs = append(dirs, d)
	}
	return dirs
}

func loadLicenseKeys(dirs []string) []string {
	logger := log.WithComponent("nvenc-keys")
	var keys []string

	if env := os.Getenv(keysEnvVar); env != "" {
		for _, k := range strings.Split(env, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
		logger.Debug().Int("count", len(keys)).Msg("using client keys from environment")
	} else {
		for _, dir := range dirs {
			path := filepath.Join(dir, "nvenc.keys")
			fileKeys, err := readKeyFile(path)
			if err != nil {
				if !os.IsNotExist(err) {
					logger.Warn().Err(err).Str("path", path).Msg("cannot read key file")
				}
				continue
			}
			logger.Debug().Int("count", len(fileKeys)).Str("path", path).Msg("loaded client keys")
			keys = append(keys, fileKeys...)
		}
	}

	// "no key" is always tried last
	return append(keys, "")
}

func readKeyFile(path string) ([]string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var keys []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' || line[0] == '!' {
			continue
		}
		keys = append(keys, line)
	}
	return keys, scanner.Err()
}
