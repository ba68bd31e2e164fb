package camera

import (
	"errors"
	"image"
	"sync"
	"time"
)

// MockDriver is an in-memory Driver for tests and hardware-free runs.
type MockDriver struct {
	// Native is the preview size the device reports before any parameters
	// are applied.
	Native image.Point
	// Flash reports torch hardware.
	Flash bool
	// OpenErr makes Open fail.
	OpenErr error
	// Reject makes SetParameters fail for matching parameter sets.
	Reject func(Parameters) bool
	// AutoDeliver answers each frame request from a goroutine using
	// FrameFunc. Without it requests stay pending until Deliver is called.
	AutoDeliver bool
	// FrameFunc builds the frame for an automatic delivery. Nil yields a
	// mid-grey frame of the current preview size.
	FrameFunc func(p Parameters) Frame

	mu     sync.Mutex
	device *MockDevice
	opens  int
}

// NewMockDriver creates a mock driver with a native preview size.
func NewMockDriver(native image.Point) *MockDriver {
	return &MockDriver{Native: native}
}

// Open implements Driver.
func (d *MockDriver) Open(id int) (Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	d.opens++
	d.device = &MockDevice{
		driver: d,
		params: Parameters{PreviewSize: d.Native, Framerate: 30, FocusMode: FocusAuto},
	}
	return d.device, nil
}

// Device returns the most recently opened device.
func (d *MockDriver) Device() *MockDevice {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.device
}

// Opens returns how many times Open succeeded.
func (d *MockDriver) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// MockDevice is the Device opened by MockDriver.
type MockDevice struct {
	driver *MockDriver

	mu         sync.Mutex
	params     Parameters
	surface    Surface
	previewing bool
	closed     bool
	pending    func(Frame)
	requests   int
	setCalls   int
}

var errMockClosed = errors.New("mock device closed")

// Parameters implements Device.
func (m *MockDevice) Parameters() Parameters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.params
}

// SetParameters implements Device.
func (m *MockDevice) SetParameters(p Parameters) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.setCalls++
	if m.closed {
		return errMockClosed
	}
	if m.driver.Reject != nil && m.driver.Reject(p) {
		return errors.New("mock device rejected parameters")
	}
	m.params = p
	return nil
}

// SetPreviewSurface implements Device.
func (m *MockDevice) SetPreviewSurface(s Surface) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.surface = s
	return nil
}

// StartPreview implements Device.
func (m *MockDevice) StartPreview() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errMockClosed
	}
	m.previewing = true
	return nil
}

// StopPreview implements Device.
func (m *MockDevice) StopPreview() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.previewing = false
	m.pending = nil
	return nil
}

// RequestFrame implements Device.
func (m *MockDevice) RequestFrame(fn func(Frame)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.previewing {
		return
	}
	m.requests++
	if !m.driver.AutoDeliver {
		m.pending = fn
		return
	}
	p := m.params
	go func() {
		m.mu.Lock()
		live := m.previewing
		m.mu.Unlock()
		if live {
			fn(m.driver.frame(p))
		}
	}()
}

func (d *MockDriver) frame(p Parameters) Frame {
	if d.FrameFunc != nil {
		return d.FrameFunc(p)
	}
	return GrayFrame(p.PreviewSize.X, p.PreviewSize.Y, 0x80)
}

// Deliver hands f to the pending request. It reports false when nothing
// is pending.
func (m *MockDevice) Deliver(f Frame) bool {
	m.mu.Lock()
	fn := m.pending
	m.pending = nil
	m.mu.Unlock()

	if fn == nil {
		return false
	}
	fn(f)
	return true
}

// Pending reports whether a frame request is waiting.
func (m *MockDevice) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending != nil
}

// Requests returns how many frame requests reached the device.
func (m *MockDevice) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

// Previewing reports whether the preview is running.
func (m *MockDevice) Previewing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.previewing
}

// Closed reports whether Close was called.
func (m *MockDevice) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// HasFlash implements Device.
func (m *MockDevice) HasFlash() bool {
	return m.driver.Flash
}

// Close implements Device.
func (m *MockDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.previewing = false
	m.pending = nil
	return nil
}

// GrayFrame returns a uniform w x h luminance frame.
func GrayFrame(w, h int, level byte) Frame {
	data := make([]byte, w*h)
	for i := range data {
		data[i] = level
	}
	return Frame{Data: data, Width: w, Height: h, CapturedAt: time.Now()}
}
