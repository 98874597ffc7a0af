// Package zeropoint manages the catalog of named shaft-angle offsets
// ("zero points") an operator can save, load, and switch between.
package zeropoint

import (
	"encoding/xml"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// ZeroPoint is one named offset in the catalog.
type ZeroPoint struct {
	Number int     `xml:"Number"`
	Name   string  `xml:"Name"`
	Offset float64 `xml:"Offset"`
}

type catalog struct {
	XMLName    xml.Name    `xml:"ZeroPoints"`
	ZeroPoints []ZeroPoint `xml:"ZeroPoint"`
}

// Store is the loaded zero point catalog plus which entry is active.
type Store struct {
	log     *logrus.Entry
	path    string
	catalog catalog
	active  int
}

// Load reads path, creating it with a single "Default" zero point at
// offset zero if it does not exist yet.
func Load(path string, log *logrus.Entry) (*Store, error) {
	s := &Store{log: log.WithField("component", "zero_points"), path: path}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		s.catalog = catalog{ZeroPoints: []ZeroPoint{{Number: 1, Name: "Default", Offset: 0.000}}}
		if err := s.save(); err != nil {
			return nil, fmt.Errorf("writing default zero points to %s: %w", path, err)
		}
		s.log.WithField("path", path).Info("wrote default zero point file")
		return s, s.SetActive(0)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading zero points from %s: %w", path, err)
	}
	if err := xml.Unmarshal(data, &s.catalog); err != nil {
		return nil, fmt.Errorf("parsing zero points from %s: %w", path, err)
	}
	return s, s.SetActive(0)
}

func (s *Store) save() error {
	data, err := xml.MarshalIndent(s.catalog, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}

// SetActive selects the zero point at index as the active one.
func (s *Store) SetActive(index int) error {
	if index < 0 || index >= len(s.catalog.ZeroPoints) {
		return fmt.Errorf("zero point index %d out of range (have %d)", index, len(s.catalog.ZeroPoints))
	}
	s.active = index
	return nil
}

// GetOffset returns the active zero point's offset.
func (s *Store) GetOffset() float64 {
	if len(s.catalog.ZeroPoints) == 0 {
		return 0
	}
	return s.catalog.ZeroPoints[s.active].Offset
}

// GetZeroPoints returns a copy of the full catalog.
func (s *Store) GetZeroPoints() []ZeroPoint {
	out := make([]ZeroPoint, len(s.catalog.ZeroPoints))
	copy(out, s.catalog.ZeroPoints)
	return out
}

// CreateZeroPoint appends a new zero point (numbered one past the current
// count) and rewrites the whole catalog file.
func (s *Store) CreateZeroPoint(name string, offset float64) error {
	zp := ZeroPoint{Number: len(s.catalog.ZeroPoints) + 1, Name: name, Offset: offset}
	s.catalog.ZeroPoints = append(s.catalog.ZeroPoints, zp)
	return s.save()
}
