package libvmi

import "sync"

// handlerError keeps the first error returned by an event handler during
// one EventsListen call.
type handlerError struct {
	mu  sync.Mutex
	err error
}

func (h *handlerError) record(err error) {
	if err == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err == nil {
		h.err = err
	}
}

// take returns the recorded error and resets it.
func (h *handlerError) take() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	err := h.err
	h.err = nil
	return err
}
