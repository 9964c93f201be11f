package mirror

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestReport_Queries(t *testing.T) {
	r := NewReport()
	var seen []EventType
	r.Subscribe(func(e Event) { seen = append(seen, e.Type) })

	r.Publish(Event{Type: EventMissing, Path: "z.txt", Kind: KindFile})
	r.Publish(Event{Type: EventMissing, Path: "a.txt", Kind: KindFile})
	r.Publish(Event{Type: EventCopied, Path: "a.txt", Kind: KindFile})
	r.Publish(Event{Type: EventCopyFailed, Path: "z.txt", Kind: KindFile, Err: "copy z.txt: gone"})

	assert.Equal(t, []EventType{EventMissing, EventMissing, EventCopied, EventCopyFailed}, seen)
	assert.Len(t, r.Events(), 4)
	assert.Len(t, r.Mismatches(), 2)
	require.Len(t, r.Failures(), 1)
	assert.Equal(t, "z.txt", r.Failures()[0].Path)
	assert.Equal(t, []string{"a.txt", "z.txt"}, r.PathsOf(EventMissing))
	assert.Equal(t, map[EventType]int{EventMissing: 2, EventCopied: 1, EventCopyFailed: 1}, r.Summary())
}

func TestReport_WriteYAML(t *testing.T) {
	r := NewReport()
	r.Publish(Event{Type: EventDigestMismatch, Path: "f", Kind: KindFile, Expected: "00", Actual: "01"})

	var buf bytes.Buffer
	require.NoError(t, r.WriteYAML(&buf))

	var doc struct {
		Summary map[string]int `yaml:"summary"`
		Events  []struct {
			Type     string `yaml:"type"`
			Path     string `yaml:"path"`
			Kind     string `yaml:"kind"`
			Expected string `yaml:"expected"`
			Actual   string `yaml:"actual"`
		} `yaml:"events"`
	}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, map[string]int{"digest_mismatch": 1}, doc.Summary)
	require.Len(t, doc.Events, 1)
	assert.Equal(t, "file", doc.Events[0].Kind)
	assert.Equal(t, "01", doc.Events[0].Actual)
	assert.NotContains(t, buf.String(), "error:")
}
