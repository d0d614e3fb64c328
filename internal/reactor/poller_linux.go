//go:build linux

package reactor

import (
	"encoding/binary"
	"errors"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

func pollMask(ev Events) uint32 {
	var mask uint32
	if ev&(EventRead|EventAccept) != 0 {
		mask |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if ev&(EventWrite|EventConnect) != 0 {
		mask |= unix.EPOLLOUT
	}
	return mask
}

func readyEvents(mask uint32) Events {
	var ev Events
	if mask&unix.EPOLLIN != 0 {
		ev |= EventRead | EventAccept
	}
	if mask&unix.EPOLLOUT != 0 {
		ev |= EventWrite | EventConnect
	}
	if mask&unix.EPOLLERR != 0 {
		ev |= EventError
	}
	if mask&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		ev |= EventHangup
	}
	return ev
}

// epoll 水平触发的 epoll，eventfd 用于跨线程唤醒
type epoll struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent
}

func newPoller(maxEvents int) (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, os.NewSyscallError("epoll_ctl", err)
	}
	return &epoll{
		epfd:   epfd,
		wakefd: wakefd,
		events: make([]unix.EpollEvent, maxEvents),
	}, nil
}

func (p *epoll) ctl(op, fd int, mask uint32) error {
	ev := unix.EpollEvent{Events: mask, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, op, fd, &ev); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

func (p *epoll) add(fd int, mask uint32) error { return p.ctl(unix.EPOLL_CTL_ADD, fd, mask) }
func (p *epoll) mod(fd int, mask uint32) error { return p.ctl(unix.EPOLL_CTL_MOD, fd, mask) }

func (p *epoll) del(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

func (p *epoll) wait(timeout time.Duration, fn func(fd int, ev Events)) error {
	msec := -1
	if timeout >= 0 {
		msec = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	n, err := unix.EpollWait(p.epfd, p.events, msec)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return os.NewSyscallError("epoll_wait", err)
	}
	for i := 0; i < n; i++ {
		e := &p.events[i]
		fd := int(e.Fd)
		if fd == p.wakefd {
			p.drainWake()
			continue
		}
		fn(fd, readyEvents(e.Events))
	}
	return nil
}

func (p *epoll) drainWake() {
	var b [8]byte
	for {
		if _, err := unix.Read(p.wakefd, b[:]); err != nil {
			return
		}
	}
}

func (p *epoll) wake() error {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	_, err := unix.Write(p.wakefd, b[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return os.NewSyscallError("eventfd write", err)
	}
	return nil
}

func (p *epoll) close() error {
	unix.Close(p.wakefd)
	return unix.Close(p.epfd)
}
