package jobs

import "errors"

// Error taxonomy surfaced to the HTTP facade:
//   - ErrJobNotFound maps to 404
//   - ErrConflict / ErrWebJobsStopped map to 409
//   - filesystem errors (locked working dir during redeploy) pass through
//     untranslated and map to 503 / retry-later
var (
	ErrJobNotFound    = errors.New("job not found")
	ErrConflict       = errors.New("conflict")
	ErrWebJobsStopped = errors.New("web jobs are stopped on this host")

	// ErrNoRunnableScript marks a job folder with no recognized entry point.
	// The registry records it on the job (Job.Error) instead of failing the scan.
	ErrNoRunnableScript = errors.New("no runnable script found")
)
