package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// TeardownStep identifies one stage of Teardown.
type TeardownStep int

const (
	StepStop TeardownStep = iota + 1
	StepWaitForStop
	StepTerminate
	StepUnregister
	StepRemoveListener
	StepDestroyBus
	StepRelease
)

func (s TeardownStep) String() string {
	switch s {
	case StepStop:
		return "stop"
	case StepWaitForStop:
		return "wait_for_stop"
	case StepTerminate:
		return "terminate"
	case StepUnregister:
		return "unregister"
	case StepRemoveListener:
		return "remove_listener"
	case StepDestroyBus:
		return "destroy_bus"
	case StepRelease:
		return "release"
	default:
		return "unknown"
	}
}

// TeardownObserver is called after each teardown step completes.
type TeardownObserver func(step TeardownStep)

// Teardown stops the pipeline and releases everything it owns. The steps
// always run in this order:
//
//  1. signal stop to every element
//  2. wait until every element worker has returned
//  3. drop buffered chunks
//  4. unregister the elements from the handle
//  5. detach the pipeline and peripheral producers from the bus
//  6. destroy the bus
//  7. release every element
//
// Only the first call does any work; later calls return the first result.
func (h *Handle) Teardown() error {
	h.teardownOnce.Do(func() {
		h.teardownErr = h.teardown()
	})
	return h.teardownErr
}

func (h *Handle) teardown() error {
	h.logger.Debug("Tearing down pipeline")

	h.mu.Lock()
	h.stopLocked()
	h.mu.Unlock()
	h.observe(StepStop)

	// Workers honour cancellation, so this wait has no deadline.
	if err := h.WaitForStop(context.Background()); err != nil {
		return fmt.Errorf("teardown %q: %w", h.name, err)
	}
	h.observe(StepWaitForStop)

	h.mu.Lock()
	if err := h.terminateLocked(); err != nil {
		h.mu.Unlock()
		return fmt.Errorf("teardown %q: %w", h.name, err)
	}
	h.mu.Unlock()
	h.observe(StepTerminate)

	h.mu.Lock()
	runtimes := h.runtimes
	listeners := h.listeners
	h.torn = true
	h.index = nil
	h.listeners = nil
	h.mu.Unlock()
	h.observe(StepUnregister)

	h.producerMu.Lock()
	if h.producer != nil {
		h.producer.Detach()
		h.producer = nil
	}
	h.producerMu.Unlock()
	for _, l := range listeners {
		l.target.RemoveListener()
		l.producer.Detach()
	}
	h.observe(StepRemoveListener)

	var errs []error
	if err := h.bus.Destroy(); err != nil {
		errs = append(errs, fmt.Errorf("destroy bus: %w", err))
	}
	h.observe(StepDestroyBus)

	for _, rt := range runtimes {
		if err := rt.elem.Release(); err != nil {
			h.logger.Warn("Failed to release element", slog.String("element", rt.name), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("release %q: %w", rt.name, err))
		}
	}
	h.observe(StepRelease)

	h.logger.Info("Pipeline torn down")
	return errors.Join(errs...)
}

func (h *Handle) observe(step TeardownStep) {
	if h.observer != nil {
		h.observer(step)
	}
}

// TornDown reports whether Teardown has unregistered the elements.
func (h *Handle) TornDown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.torn
}
