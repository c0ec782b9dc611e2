package propagate

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/hashicorp/go-set/v3"
	"github.com/mattn/go-runewidth"
	"github.com/speakeasy-api/tracetype"
)

// RecoveryReport records where propagation had to fall back to the types
// inferred from concrete values.
type RecoveryReport struct {
	// Root holds write targets whose evaluation used the inferred env.
	Root *set.Set[tracetype.Variable]
	// Use holds write targets whose expression read a recovered variable.
	Use *set.Set[tracetype.Variable]

	rootAt map[tracetype.SourceLocation]int
	useAt  map[tracetype.SourceLocation]int
}

func newRecoveryReport() *RecoveryReport {
	return &RecoveryReport{
		Root:   set.New[tracetype.Variable](16),
		Use:    set.New[tracetype.Variable](16),
		rootAt: make(map[tracetype.SourceLocation]int),
		useAt:  make(map[tracetype.SourceLocation]int),
	}
}

func (r *RecoveryReport) addRoot(v tracetype.Variable, loc tracetype.SourceLocation) {
	if r.Root.Insert(v) {
		r.rootAt[loc]++
	}
}

func (r *RecoveryReport) addUse(v tracetype.Variable, loc tracetype.SourceLocation) {
	if r.Use.Insert(v) {
		r.useAt[loc]++
	}
}

// Recovered reports whether v is in either set.
func (r *RecoveryReport) Recovered(v tracetype.Variable) bool {
	return r.Root.Contains(v) || r.Use.Contains(v)
}

// RootAt returns the number of root-recovered variables written at loc.
func (r *RecoveryReport) RootAt(loc tracetype.SourceLocation) int {
	return r.rootAt[loc]
}

// UseAt returns the number of use-recovered variables written at loc.
func (r *RecoveryReport) UseAt(loc tracetype.SourceLocation) int {
	return r.useAt[loc]
}

// Locations returns every location with recoveries, sorted.
func (r *RecoveryReport) Locations() []tracetype.SourceLocation {
	seen := make(map[tracetype.SourceLocation]bool)
	var locs []tracetype.SourceLocation
	for _, m := range []map[tracetype.SourceLocation]int{r.rootAt, r.useAt} {
		for loc := range m {
			if !seen[loc] {
				seen[loc] = true
				locs = append(locs, loc)
			}
		}
	}
	sort.Slice(locs, func(i, j int) bool {
		a, b := locs[i], locs[j]
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.Column < b.Column
	})
	return locs
}

// Render writes the per-location counts as an aligned table.
func (r *RecoveryReport) Render(w io.Writer) error {
	locs := r.Locations()
	names := make([]string, len(locs))
	width := runewidth.StringWidth("LOCATION")
	for i, loc := range locs {
		names[i] = loc.String()
		width = max(width, runewidth.StringWidth(names[i]))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s  %6s  %6s\n", runewidth.FillRight("LOCATION", width), "ROOT", "USE")
	for i, loc := range locs {
		fmt.Fprintf(&b, "%s  %6d  %6d\n", runewidth.FillRight(names[i], width), r.rootAt[loc], r.useAt[loc])
	}
	fmt.Fprintf(&b, "%s  %6d  %6d\n", runewidth.FillRight("TOTAL", width), r.Root.Size(), r.Use.Size())

	_, err := io.WriteString(w, b.String())
	return err
}
