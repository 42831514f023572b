// Copyright 2026 The Bastion Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package policy

import "sync"

// EmergencyStop is a process-wide kill switch. While active, every decision
// is denied regardless of other settings. Lifecycle is manual: there is no
// auto-expiry, the flag stays set until explicitly cleared.
type EmergencyStop struct {
	mu          sync.Mutex
	active      bool
	reason      string
	activations int
}

// Activate sets the flag. Returns false if the stop was already active
// (the activation counter still only counts transitions).
func (s *EmergencyStop) Activate(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active {
		return false
	}
	s.active = true
	s.reason = reason
	s.activations++
	return true
}

// Deactivate clears the flag. Returns false if it was not active.
func (s *EmergencyStop) Deactivate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return false
	}
	s.active = false
	s.reason = ""
	return true
}

// State returns whether the stop is active and the activation reason.
func (s *EmergencyStop) State() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.reason
}

// Activations returns how many times the stop has been activated.
func (s *EmergencyStop) Activations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activations
}
