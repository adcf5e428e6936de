package att

import (
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrTimeout is returned when the server does not answer a request in
// time. The bearer is closed afterwards, as ATT requires.
var ErrTimeout = errors.New("att: request timed out")

// ErrClosed is returned for requests on a closed client.
var ErrClosed = errors.New("att: client closed")

// NotificationHandler receives Handle Value Notifications and Indications.
type NotificationHandler func(handle uint16, value []byte)

// A Client issues ATT requests over an L2CAP ATT channel. Only one request
// is outstanding at a time; notifications are delivered from the reader
// goroutine.
type Client struct {
	rwc     io.ReadWriteCloser
	timeout time.Duration
	log     *logrus.Entry

	reqmu sync.Mutex
	rspc  chan []byte

	mu      sync.Mutex
	mtu     int
	handler NotificationHandler

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient starts a client on rwc. timeout bounds every request.
func NewClient(rwc io.ReadWriteCloser, timeout time.Duration, l *logrus.Entry) *Client {
	if l == nil {
		l = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Client{
		rwc:     rwc,
		timeout: timeout,
		log:     l.WithField("component", "att"),
		rspc:    make(chan []byte, 1),
		mtu:     DefaultMTU,
		done:    make(chan struct{}),
	}
	go c.loop()
	return c
}

// Handle sets the notification handler.
func (c *Client) Handle(h NotificationHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// MTU returns the negotiated ATT_MTU.
func (c *Client) MTU() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mtu
}

// Close closes the underlying channel. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.rwc.Close()
	})
	return err
}

func (c *Client) loop() {
	b := make([]byte, 512)
	for {
		n, err := c.rwc.Read(b)
		if err != nil || n == 0 {
			c.log.WithError(err).Debug("reader stopped")
			c.Close()
			return
		}
		p := make([]byte, n)
		copy(p, b)
		c.log.Tracef("R: [ % X ]", p)

		switch p[0] {
		case opHandleNotify, opHandleInd:
			h, v, err := parseNotification(p)
			if err != nil {
				c.log.WithError(err).Warn("dropping notification")
				continue
			}
			if p[0] == opHandleInd {
				c.write([]byte{opHandleCnf})
			}
			c.mu.Lock()
			f := c.handler
			c.mu.Unlock()
			if f != nil {
				f(h, v)
			}
		default:
			select {
			case c.rspc <- p:
			default:
				c.log.Warnf("unsolicited PDU 0x%02X dropped", p[0])
			}
		}
	}
}

func (c *Client) write(b []byte) error {
	c.log.Tracef("W: [ % X ]", b)
	if _, err := c.rwc.Write(b); err != nil {
		return errors.Wrap(err, "att: write")
	}
	return nil
}

// request sends req and waits for its response.
func (c *Client) request(req []byte) ([]byte, error) {
	c.reqmu.Lock()
	defer c.reqmu.Unlock()

	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}
	if err := c.write(req); err != nil {
		return nil, err
	}

	t := time.NewTimer(c.timeout)
	defer t.Stop()
	select {
	case rsp := <-c.rspc:
		if rsp[0] == opError {
			e, err := parseError(rsp)
			if err != nil {
				return nil, err
			}
			return nil, e
		}
		if rsp[0] != respFor[req[0]] {
			return nil, errors.Errorf("att: unexpected response 0x%02X to request 0x%02X", rsp[0], req[0])
		}
		return rsp, nil
	case <-t.C:
		c.Close()
		return nil, ErrTimeout
	case <-c.done:
		return nil, ErrClosed
	}
}

func notFound(err error) bool {
	e, ok := err.(Error)
	return ok && e.Code == EcodeAttrNotFound
}

// ExchangeMTU negotiates the ATT_MTU and returns the value in effect.
func (c *Client) ExchangeMTU(mtu int) (int, error) {
	rsp, err := c.request(mtuReq(uint16(mtu)))
	if err != nil {
		return 0, err
	}
	srv, err := parseMtuResp(rsp)
	if err != nil {
		return 0, err
	}
	if int(srv) < mtu {
		mtu = int(srv)
	}
	if mtu < DefaultMTU {
		mtu = DefaultMTU
	}
	c.mu.Lock()
	c.mtu = mtu
	c.mu.Unlock()
	return mtu, nil
}

// FindByTypeValue returns the groups in [start, end] whose attribute of type
// typ has the given value. No match yields an empty result and a nil error.
func (c *Client) FindByTypeValue(start, end uint16, typ UUID, value []byte) ([]HandleRange, error) {
	var all []HandleRange
	for start <= end {
		rsp, err := c.request(findByTypeReq(start, end, typ, value))
		if notFound(err) {
			break
		}
		if err != nil {
			return nil, err
		}
		rr, err := parseFindByTypeResp(rsp)
		if err != nil {
			return nil, err
		}
		all = append(all, rr...)
		last := rr[len(rr)-1].End
		if last == 0xFFFF || last < start {
			break
		}
		start = last + 1
	}
	return all, nil
}

// ReadByType returns every attribute of type typ in [start, end].
func (c *Client) ReadByType(start, end uint16, typ UUID) ([]HandleValue, error) {
	var all []HandleValue
	for start <= end {
		rsp, err := c.request(readByTypeReq(start, end, typ))
		if notFound(err) {
			break
		}
		if err != nil {
			return nil, err
		}
		hv, err := parseReadByTypeResp(rsp)
		if err != nil {
			return nil, err
		}
		all = append(all, hv...)
		last := hv[len(hv)-1].Handle
		if last == 0xFFFF || last < start {
			break
		}
		start = last + 1
	}
	return all, nil
}

// FindInformation returns the handle/type pairs in [start, end].
func (c *Client) FindInformation(start, end uint16) ([]HandleUUID, error) {
	var all []HandleUUID
	for start <= end {
		rsp, err := c.request(findInfoReq(start, end))
		if notFound(err) {
			break
		}
		if err != nil {
			return nil, err
		}
		hh, err := parseFindInfoResp(rsp)
		if err != nil {
			return nil, err
		}
		all = append(all, hh...)
		last := hh[len(hh)-1].Handle
		if last == 0xFFFF || last < start {
			break
		}
		start = last + 1
	}
	return all, nil
}

// ReadBlob reads part of a long attribute value starting at offset.
func (c *Client) ReadBlob(handle, offset uint16) ([]byte, error) {
	rsp, err := c.request(readBlobReq(handle, offset))
	if err != nil {
		return nil, err
	}
	return rsp[1:], nil
}

// ReadLong reads a whole attribute value with successive Read Blob requests,
// stopping after max bytes.
func (c *Client) ReadLong(handle uint16, max int) ([]byte, error) {
	var v []byte
	chunk := c.MTU() - 1
	for len(v) < max {
		b, err := c.ReadBlob(handle, uint16(len(v)))
		if e, ok := err.(Error); ok && e.Code == EcodeAttrNotLong && len(v) > 0 {
			break
		}
		if err != nil {
			return nil, err
		}
		v = append(v, b...)
		if len(b) < chunk {
			break
		}
	}
	if len(v) > max {
		v = v[:max]
	}
	return v, nil
}

// Write writes value to the attribute and waits for the Write Response.
func (c *Client) Write(handle uint16, value []byte) error {
	_, err := c.request(writeReq(handle, value))
	return err
}
