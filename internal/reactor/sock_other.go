//go:build !linux

package reactor

import (
	"errors"
	"net"
	"os"
)

var errUnsupported = errors.New("reactor: readiness multiplexer requires linux")

type poller struct{}

func newPoller() (*poller, error)                            { return nil, errUnsupported }
func (p *poller) add(fd int, in interest) error              { return errUnsupported }
func (p *poller) modify(fd int, in interest) error           { return errUnsupported }
func (p *poller) remove(fd int) error                        { return errUnsupported }
func (p *poller) wait(handle func(fd int, r readiness)) error { return errUnsupported }
func (p *poller) wake() error                                { return errUnsupported }
func (p *poller) close() error                               { return nil }

func listenTCP(string) (int, *net.TCPAddr, error) { return -1, nil, errUnsupported }
func acceptTCP(int) (int, *net.TCPAddr, error)    { return -1, nil, errUnsupported }
func dialTCP(string) (int, *net.TCPAddr, bool, error) {
	return -1, nil, false, errUnsupported
}
func connectResult(int) error                          { return errUnsupported }
func readFD(int, []byte) (int, error)                  { return 0, errUnsupported }
func writeFD(int, []byte) (int, error)                 { return 0, errUnsupported }
func sendFile(int, *os.File, int64, int) (int, error)  { return 0, errUnsupported }
func closeFD(int) error                                { return errUnsupported }
