package postgres

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// DeriveOutputFilename maps a task_id to a collision-resistant,
// unguessable on-disk filename, satisfying §5's "each worker writes to a
// unique path derived from task_id" without leaking the task_id itself
// into a public download URL.
func DeriveOutputFilename(taskID string) string {
	sum := blake2b.Sum256([]byte(taskID))
	return hex.EncodeToString(sum[:16]) + ".mp4"
}
