package services

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelTable_For(t *testing.T) {
	table := DefaultLevelTable()

	cases := []struct {
		count int
		want  string
	}{
		{-1, "Sleepless"},
		{0, "Sleepless"},
		{1, "Sleepless"},
		{2, "Dozer"},
		{7, "Snoozer"},
		{8, "Dreamer"},
		{49, "Lucid Drifter"},
		{75, "Nap God"},
		{500, "Nap God"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, table.For(tc.count).Name, "count %d", tc.count)
	}
}

func TestLevelTable_Next(t *testing.T) {
	table := DefaultLevelTable()

	next, ok := table.Next(3)
	require.True(t, ok)
	assert.Equal(t, "Snoozer", next.Name)

	_, ok = table.Next(75)
	assert.False(t, ok)
}

func TestNewLevelTable_Validation(t *testing.T) {
	_, err := NewLevelTable(nil)
	assert.Error(t, err)

	_, err = NewLevelTable([]Level{{Name: "A", Visits: 1}})
	assert.Error(t, err, "first level must start at zero")

	_, err = NewLevelTable([]Level{{Name: "A"}, {Name: "B", Visits: 5}, {Name: "C", Visits: 5}})
	assert.Error(t, err, "thresholds must ascend")

	levels := []Level{{Name: "A"}, {Name: "B", Visits: 3}}
	table, err := NewLevelTable(levels)
	require.NoError(t, err)
	levels[1].Name = "mutated"
	assert.Equal(t, "B", table.For(3).Name)
}

func TestLoadLevelTable_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "levels.yaml")
	doc := `levels:
  - name: Guest
    visits: 0
    background_color: "#000000"
    foreground_color: "#ffffff"
  - name: Regular
    visits: 5
    image: regular.png
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	table, err := LoadLevelTable(path)
	require.NoError(t, err)
	assert.Len(t, table.Levels(), 2)
	assert.Equal(t, "Regular", table.For(5).Name)
	assert.Equal(t, "regular.png", table.For(9).Image)

	table, err = LoadLevelTable("")
	require.NoError(t, err)
	assert.Len(t, table.Levels(), len(DefaultLevels()))

	_, err = LoadLevelTable(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
