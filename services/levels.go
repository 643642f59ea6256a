package services

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Level is one loyalty tier.
type Level struct {
	Name            string `yaml:"name" json:"name"`
	Visits          int    `yaml:"visits" json:"visits"`
	Image           string `yaml:"image" json:"image"`
	BackgroundColor string `yaml:"background_color" json:"background_color"`
	ForegroundColor string `yaml:"foreground_color" json:"foreground_color"`
}

// LevelTable maps visit counts to tiers. It is immutable after construction.
type LevelTable struct {
	levels []Level
}

// DefaultLevels is the stock tier ladder.
func DefaultLevels() []Level {
	return []Level{
		{Name: "Sleepless", Visits: 0, Image: "sleepless.png", BackgroundColor: "#1e293b", ForegroundColor: "#f8fafc"},
		{Name: "Dozer", Visits: 2, Image: "dozer.png", BackgroundColor: "#334155", ForegroundColor: "#e2e8f0"},
		{Name: "Snoozer", Visits: 4, Image: "snoozer.png", BackgroundColor: "#475569", ForegroundColor: "#f1f5f9"},
		{Name: "Dreamer", Visits: 8, Image: "dreamer.png", BackgroundColor: "#7c3aed", ForegroundColor: "#ffffff"},
		{Name: "Deep Sleeper", Visits: 12, Image: "deep-sleeper.png", BackgroundColor: "#4b5563", ForegroundColor: "#f9fafb"},
		{Name: "Power Napper", Visits: 18, Image: "power-napper.png", BackgroundColor: "#10b981", ForegroundColor: "#ffffff"},
		{Name: "REM Master", Visits: 26, Image: "rem-master.png", BackgroundColor: "#1d4ed8", ForegroundColor: "#ffffff"},
		{Name: "Lucid Drifter", Visits: 36, Image: "lucid-drifter.png", BackgroundColor: "#8b5cf6", ForegroundColor: "#ffffff"},
		{Name: "Sleep Elite", Visits: 50, Image: "sleep-elite.png", BackgroundColor: "#0f172a", ForegroundColor: "#ffffff"},
		{Name: "Nap God", Visits: 75, Image: "nap-god.png", BackgroundColor: "#000000", ForegroundColor: "#facc15"},
	}
}

// NewLevelTable validates levels: the first threshold is 0 and thresholds strictly ascend.
func NewLevelTable(levels []Level) (*LevelTable, error) {
	if len(levels) == 0 {
		return nil, errors.New("level table is empty")
	}
	if levels[0].Visits != 0 {
		return nil, fmt.Errorf("first level %q must start at 0 visits", levels[0].Name)
	}
	for i, l := range levels {
		if l.Name == "" {
			return nil, fmt.Errorf("level %d has no name", i)
		}
		if i > 0 && l.Visits <= levels[i-1].Visits {
			return nil, fmt.Errorf("level %q threshold %d is not above %d", l.Name, l.Visits, levels[i-1].Visits)
		}
	}
	cp := make([]Level, len(levels))
	copy(cp, levels)
	return &LevelTable{levels: cp}, nil
}

// DefaultLevelTable returns the stock table.
func DefaultLevelTable() *LevelTable {
	t, err := NewLevelTable(DefaultLevels())
	if err != nil {
		panic(err)
	}
	return t
}

// LoadLevelTable reads a YAML list of levels. An empty path yields the default table.
func LoadLevelTable(path string) (*LevelTable, error) {
	if path == "" {
		return DefaultLevelTable(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read levels: %w", err)
	}
	var doc struct {
		Levels []Level `yaml:"levels"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse levels: %w", err)
	}
	return NewLevelTable(doc.Levels)
}

// For returns the highest level whose threshold is <= count. Negative counts map to the first level.
func (t *LevelTable) For(count int) Level {
	current := t.levels[0]
	for _, l := range t.levels[1:] {
		if count < l.Visits {
			break
		}
		current = l
	}
	return current
}

// Next returns the level after the one count sits in, if any.
func (t *LevelTable) Next(count int) (Level, bool) {
	for _, l := range t.levels {
		if l.Visits > count {
			return l, true
		}
	}
	return Level{}, false
}

// Levels returns a copy of the table.
func (t *LevelTable) Levels() []Level {
	cp := make([]Level, len(t.levels))
	copy(cp, t.levels)
	return cp
}
