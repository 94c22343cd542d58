// SPDX-License-Identifier: MIT

package encoder

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// dumpFrame writes one compressed frame to the debug dump directory. The
// write is atomic so a concurrent reader never sees a partial file.
func dumpFrame(dir, sessionID string, frameIndex uint64, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dump dir: %w", err)
	}
	name := filepath.Join(dir, fmt.Sprintf("%s-%06d.bin", sessionID, frameIndex))
	if err := renameio.WriteFile(name, data, 0o644); err != nil {
		return fmt.Errorf("dump frame %d: %w", frameIndex, err)
	}
	return nil
}
