// Package playback plays mono PCM16LE audio on the default output device as it
// arrives from the speech server.
package playback

import "errors"

// ErrUnavailable is returned by builds without an audio backend.
var ErrUnavailable = errors.New("audio playback is not available in this build")
