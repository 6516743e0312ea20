// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package router

import (
	"errors"
	"fmt"
	"sort"
)

// ErrNoRegion is returned when an organization has no home region and the
// map has no default.
var ErrNoRegion = errors.New("no home region for organization")

// RegionMap resolves organizations to their home region. It is built once
// from configuration and never mutated; a new map with a new Version
// replaces it wholesale.
type RegionMap struct {
	version       string
	defaultRegion string
	orgs          map[string]string
}

// NewRegionMap copies orgs so later changes to the caller's map are not
// observed. An empty defaultRegion means unknown orgs are rejected.
func NewRegionMap(version, defaultRegion string, orgs map[string]string) *RegionMap {
	m := &RegionMap{
		version:       version,
		defaultRegion: defaultRegion,
		orgs:          make(map[string]string, len(orgs)),
	}
	for org, region := range orgs {
		m.orgs[org] = region
	}
	return m
}

// Version identifies this revision of the map.
func (m *RegionMap) Version() string {
	return m.version
}

// Default returns the fallback region, or "".
func (m *RegionMap) Default() string {
	return m.defaultRegion
}

// Resolve returns orgID's home region.
func (m *RegionMap) Resolve(orgID string) (string, error) {
	if region, ok := m.orgs[orgID]; ok && region != "" {
		return region, nil
	}
	if m.defaultRegion != "" {
		return m.defaultRegion, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoRegion, orgID)
}

// Regions lists every distinct region in the map, sorted.
func (m *RegionMap) Regions() []string {
	seen := make(map[string]struct{}, len(m.orgs)+1)
	if m.defaultRegion != "" {
		seen[m.defaultRegion] = struct{}{}
	}
	for _, r := range m.orgs {
		if r != "" {
			seen[r] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
