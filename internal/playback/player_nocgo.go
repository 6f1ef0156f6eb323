//go:build nocgo || !cgo

package playback

// Player is unavailable without cgo.
type Player struct{}

func Open(int) (*Player, error) { return nil, ErrUnavailable }

func (*Player) Write([]int16) error { return ErrUnavailable }

func (*Player) Close() error { return nil }
