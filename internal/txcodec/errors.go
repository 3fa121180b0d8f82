package txcodec

import "errors"

var (
	errMissingSig    = errors.New("signature fields missing")
	errBadRecoveryID = errors.New("recovery id out of range")
)
