package utils

import "errors"

// ErrImportInProgress means another run holds the import lock for the same
// business, collection and source.
var ErrImportInProgress = errors.New("import already in progress")

// ErrImportLockLost means the import lock could not be refreshed while a run
// held it, so another run may have taken over.
var ErrImportLockLost = errors.New("import lock lost")

var ErrInvalidDecimal = errors.New("invalid decimal value")
