package council

import "errors"

// Caller errors. These abort the operation; they are never retried.
var (
	ErrJobNotFound     = errors.New("job directory not found")
	ErrManifestMissing = errors.New("job manifest missing or invalid")
	ErrInvalidCursor   = errors.New("invalid wait cursor")
	ErrNameCollision   = errors.New("entity names collide")
	ErrInvalidArgument = errors.New("invalid argument")
)
