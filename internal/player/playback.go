package player

// PlaybackState is the coarse playback condition reported in each
// heartbeat.
type PlaybackState string

const (
	PlaybackIdle    PlaybackState = "idle"
	PlaybackPlaying PlaybackState = "playing"
	PlaybackPaused  PlaybackState = "paused"
)

// PlaybackStatus is one heartbeat's snapshot of local playback.
type PlaybackStatus struct {
	State   PlaybackState
	Elapsed float64 // seconds into the current item
	ItemID  string
}

// PlaybackSource supplies the current playback status. The audio layer
// implements this; IdleSource stands in when none is wired.
type PlaybackSource interface {
	Status() PlaybackStatus
}

// IdleSource always reports idle playback.
type IdleSource struct{}

func (IdleSource) Status() PlaybackStatus {
	return PlaybackStatus{State: PlaybackIdle}
}
