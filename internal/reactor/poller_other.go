//go:build !linux

package reactor

func pollMask(ev Events) uint32 { return uint32(ev) }

func newPoller(int) (poller, error) { return nil, ErrUnsupported }
