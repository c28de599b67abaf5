package ws

import devsyncerrors "github.com/HirenKhatri7/DevSync/internal/errors"

var (
	errEmptyRoom         = devsyncerrors.Malformed("joinRoom without a room id")
	errEmptyRegistration = devsyncerrors.Malformed("registerUsername needs roomId and username")
)
