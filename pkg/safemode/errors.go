package safemode

import "errors"

var (
    ErrNegativeThreshold = errors.New("safemode: negative threshold")
    ErrNoNodeCounter     = errors.New("safemode: nil node counter")
    ErrDuplicateRule     = errors.New("safemode: duplicate rule")
    ErrNilRule           = errors.New("safemode: nil rule")
)
