package analysis

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Provider and DeviceSource.
type Memory struct {
	mu       sync.RWMutex
	outcomes map[string]*Outcome
	errs     map[string]error
}

// NewMemory creates an empty in-memory provider.
func NewMemory() *Memory {
	return &Memory{
		outcomes: make(map[string]*Outcome),
		errs:     make(map[string]error),
	}
}

// Set stores the latest outcome for deviceID.
func (m *Memory) Set(deviceID string, outcome *Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[deviceID] = outcome
	delete(m.errs, deviceID)
}

// Fail makes FetchLatest return err for deviceID.
func (m *Memory) Fail(deviceID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[deviceID] = err
}

// FetchLatest implements Provider.
func (m *Memory) FetchLatest(ctx context.Context, deviceID string) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err, ok := m.errs[deviceID]; ok {
		return nil, err
	}
	outcome, ok := m.outcomes[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: no outcome for device %s", ErrNotAvailable, deviceID)
	}
	return outcome, nil
}

// Devices implements DeviceSource.
func (m *Memory) Devices(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	devices := make([]string, 0, len(m.outcomes)+len(m.errs))
	seen := make(map[string]bool)
	for id := range m.outcomes {
		seen[id] = true
		devices = append(devices, id)
	}
	for id := range m.errs {
		if !seen[id] {
			devices = append(devices, id)
		}
	}
	sort.Strings(devices)
	return devices, nil
}
