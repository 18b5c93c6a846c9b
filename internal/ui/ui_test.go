package ui

import (
	"bytes"
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

func TestInitDisablesColorForPipes(t *testing.T) {
	lipgloss.SetColorProfile(termenv.TrueColor)
	Init(&bytes.Buffer{})

	if got := RenderFail("error"); got != "error" {
		t.Errorf("RenderFail() = %q, want plain text", got)
	}
	if IsTerminal(&bytes.Buffer{}) {
		t.Error("IsTerminal() = true for a buffer")
	}
	if w := Width(&bytes.Buffer{}); w != 80 {
		t.Errorf("Width() = %d, want 80", w)
	}
}

func TestTable(t *testing.T) {
	Init(&bytes.Buffer{})

	got := Table(
		[]string{"ID", "NAME"},
		[][]string{{"w1", "Main"}, {"w-long", "Annex"}},
	)
	want := strings.Join([]string{
		"ID      NAME",
		"w1      Main",
		"w-long  Annex",
		"",
	}, "\n")
	if got != want {
		t.Errorf("Table() =\n%s\nwant\n%s", got, want)
	}
}

func TestRenderStatusKnowsEveryStatus(t *testing.T) {
	Init(&bytes.Buffer{})
	for _, s := range []string{"synced", "pending", "syncing", "error", "other"} {
		if got := RenderStatus(s); got != s {
			t.Errorf("RenderStatus(%q) = %q", s, got)
		}
	}
}
