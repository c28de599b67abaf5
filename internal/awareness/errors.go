package awareness

import devsyncerrors "github.com/HirenKhatri7/DevSync/internal/errors"

func malformedState(clientID uint64) error {
	return devsyncerrors.Malformed("awareness state of client %d is not JSON", clientID)
}
